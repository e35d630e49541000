package main

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"urbanlens/libs/issues"
	"urbanlens/libs/mailer"
)

type forwardPayload struct {
	To   string `json:"to"`
	Note string `json:"note"`
}

// buildIssueForwardEmail describes an issue for the authority responsible
// for fixing it.
func (a *App) buildIssueForwardEmail(issue issues.Issue, to, replyTo, note string) mailer.Message {
	place := issue.Address()
	if place == "" {
		place = "locație necunoscută"
	}
	subject := fmt.Sprintf("Problemă raportată: %s - %s", categoryLabel(issue.Category), place)

	var findings strings.Builder
	var textFindings strings.Builder
	for _, category := range issue.Categories {
		description := ""
		if finding, ok := issue.Details.Finding(category); ok {
			description = finding.Description
		}
		fmt.Fprintf(&findings, "<li><strong>%s</strong>: %s</li>", html.EscapeString(categoryLabel(category)), html.EscapeString(description))
		fmt.Fprintf(&textFindings, "- %s: %s\n", categoryLabel(category), description)
	}

	mapLink := ""
	if issue.HasLocation() {
		mapLink = fmt.Sprintf("https://www.openstreetmap.org/?mlat=%f&mlon=%f#map=18/%f/%f",
			issue.Location.Lat, issue.Location.Lng, issue.Location.Lat, issue.Location.Lng)
	}

	noteHTML := ""
	if note != "" {
		noteHTML = fmt.Sprintf(`<p style="background: #f6f6f6; padding: 12px;">%s</p>`, html.EscapeString(note))
	}

	body := fmt.Sprintf(`
		<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto; line-height: 1.6; color: #333;">
			<h2>Bună ziua,</h2>
			<p>Vă semnalăm o problemă urbană la <strong>%s</strong>.</p>
			<ul>%s</ul>
			%s
			<p><a href="%s">Vezi pe hartă</a></p>
			<p style="color: #666; font-size: 12px;">Raport %s generat de %s</p>
		</div>
	`, html.EscapeString(place), findings.String(), noteHTML, html.EscapeString(mapLink), html.EscapeString(issue.ID.String()), html.EscapeString(a.cfg.PublicBaseURL))

	text := fmt.Sprintf("Problemă urbană la %s\n\n%s\n%s\n%s\n", place, textFindings.String(), note, mapLink)

	return mailer.Message{
		To:      []string{to},
		ReplyTo: replyTo,
		Subject: subject,
		HTML:    body,
		Text:    text,
	}
}

// issueAttachment loads the issue photo through the image cache. A photo
// that cannot be loaded is left out.
func (a *App) issueAttachment(ctx context.Context, issue issues.Issue) []mailer.Attachment {
	if issue.Preview == "" {
		return nil
	}
	entry, _, err := a.images.Load(ctx, issue.Preview)
	if err != nil {
		a.log.Warn("forward without photo", "id", issue.ID.String(), "err", err)
		return nil
	}
	ext := strings.TrimPrefix(entry.ContentType, "image/")
	name := path.Base(issue.Title)
	if name == "" || name == "." || name == "/" {
		name = "issue"
	}
	if !strings.Contains(name, ".") {
		name = name + "." + ext
	}
	return []mailer.Attachment{{Filename: name, Content: entry.Data}}
}

func (a *App) forwardIssueHandler(c *gin.Context) {
	id, err := parseIssueID(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var payload forwardPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid forward payload"})
			return
		}
	}
	to := strings.TrimSpace(payload.To)
	if to == "" {
		to = a.cfg.ForwardEmailTo
	}
	if to == "" {
		respondError(c, mailer.ErrNoRecipients)
		return
	}
	if !strings.Contains(to, "@") {
		writeAPIError(c, badRequest("Invalid recipient address"))
		return
	}

	session, _ := getSession(c)
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	issue, ok := ws.store.Issue(id)
	if !ok {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Issue not found"})
		return
	}

	msg := a.buildIssueForwardEmail(issue, to, session.Email, strings.TrimSpace(payload.Note))
	msg.Attachments = a.issueAttachment(c.Request.Context(), issue)
	result, err := a.mailer.Send(c.Request.Context(), msg)
	if err != nil {
		a.log.Error("failed to forward issue", "id", id.String(), "to", to, "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "mail_failed", Message: "Failed to send e-mail"})
		return
	}
	a.log.Info("issue forwarded", "id", id.String(), "to", to, "provider", a.mailer.ProviderName(), "message_id", result.ProviderMessageID)
	c.JSON(http.StatusOK, gin.H{"ok": true, "message_id": result.ProviderMessageID})
}
