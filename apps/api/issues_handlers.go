package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"urbanlens/libs/geocode"
	"urbanlens/libs/issues"
	"urbanlens/libs/locassign"
)

type issueUpdatePayload struct {
	Solved   *bool            `json:"solved"`
	Location *issues.Location `json:"location"`
}

func parseIssueID(c *gin.Context) (issues.ID, error) {
	id, err := issues.ParseID(c.Param("id"))
	if err != nil {
		return issues.ID{}, &apiError{Status: http.StatusBadRequest, Code: "invalid_id", Message: "Invalid issue ID"}
	}
	return id, nil
}

func (w *workspace) issueView(issue issues.Issue) gin.H {
	return gin.H{"issue": issue, "pending": w.store.Pending(issue.ID)}
}

func (a *App) listIssuesHandler(c *gin.Context) {
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"issues":     ws.store.Issues(),
		"selected":   ws.store.Selected(),
		"is_admin":   ws.store.IsAdmin(),
		"last_error": ws.store.LastError(),
	})
}

func (a *App) selectIssueHandler(c *gin.Context) {
	id, err := parseIssueID(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	issue, err := ws.store.SelectIssue(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	view := ws.issueView(issue)
	view["view"] = ws.focus(issue)
	c.JSON(http.StatusOK, view)
}

// updateIssueHandler applies an optimistic edit. The response reflects the
// local state; the server is updated in the background.
func (a *App) updateIssueHandler(c *gin.Context) {
	id, err := parseIssueID(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var payload issueUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid issue update"})
		return
	}
	if payload.Solved == nil && payload.Location == nil {
		writeAPIError(c, badRequest("Nothing to update"))
		return
	}

	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	updated, ok := ws.store.Issue(id)
	if !ok {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Issue not found"})
		return
	}

	if payload.Solved != nil && *payload.Solved != updated.Solved {
		if !ws.store.IsAdmin() {
			writeAPIError(c, &apiError{Status: http.StatusForbidden, Code: "forbidden", Message: "You do not have permission to change issue status."})
			return
		}
		updated.Solved = *payload.Solved
	}
	if payload.Location != nil {
		loc, err := validLocation(*payload.Location)
		if err != nil {
			respondError(c, err)
			return
		}
		updated.Location = &loc
	}

	ws.store.ApplyUpdates(updated)
	c.JSON(http.StatusOK, ws.issueView(updated))
}

func (a *App) toggleSolvedHandler(c *gin.Context) {
	id, err := parseIssueID(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	updated, err := ws.store.ToggleSolved(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws.issueView(updated))
}

func (a *App) deleteIssueHandler(c *gin.Context) {
	id, err := parseIssueID(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	confirmed, _ := strconv.ParseBool(c.Query("confirm"))

	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	if err := ws.store.DeleteIssue(c.Request.Context(), id, confirmed); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": id})
}

// validLocation rejects non-finite and out-of-country coordinates.
func validLocation(loc issues.Location) (issues.Location, error) {
	checked, err := issues.NewLocation(loc.Lat, loc.Lng, loc.Address)
	if err != nil {
		return issues.Location{}, err
	}
	if !geocode.Romania.Contains(checked.Lat, checked.Lng) {
		return issues.Location{}, locassign.ErrOutOfBounds
	}
	return checked, nil
}
