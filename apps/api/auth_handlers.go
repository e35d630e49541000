package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"urbanlens/libs/remote"
)

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func sessionView(session Session) gin.H {
	return gin.H{
		"authenticated": session.Authenticated(),
		"email":         session.Email,
		"is_admin":      session.IsAdmin,
		"language":      session.Language,
	}
}

func (a *App) loginHandler(c *gin.Context) {
	a.authenticate(c, false)
}

func (a *App) registerHandler(c *gin.Context) {
	a.authenticate(c, true)
}

// authenticate exchanges credentials for a remote token and resolves the
// admin capability once for the rest of the session.
func (a *App) authenticate(c *gin.Context, register bool) {
	var payload credentialsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid login payload"})
		return
	}
	email := remote.NormalizeEmail(payload.Email)
	if email == "" || !strings.Contains(email, "@") || payload.Password == "" {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Email and password are required"})
		return
	}

	session, err := getSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Session required"})
		return
	}

	ctx := c.Request.Context()
	var token string
	if register {
		token, err = a.auth.Register(ctx, email, payload.Password)
	} else {
		token, err = a.auth.Login(ctx, email, payload.Password)
	}
	if err != nil {
		a.log.Warn("authentication failed", "email", email, "register", register, "err", err)
		respondError(c, err)
		return
	}

	isAdmin, err := a.auth.CheckAdmin(ctx, token)
	if err != nil {
		a.log.Error("admin check failed", "email", email, "err", err)
		isAdmin = false
	}

	session.Email = email
	session.Token = token
	session.IsAdmin = isAdmin
	session.ExpiresAt = a.now().Add(sessionDuration)
	if err := a.sessions.Update(ctx, session); err != nil {
		a.log.Error("failed to store session", "err", err)
		writeAPIError(c, &apiError{Status: http.StatusInternalServerError, Code: "internal_error", Message: "Failed to create session"})
		return
	}
	if err := a.setSessionCookie(c, session); err != nil {
		writeAPIError(c, err)
		return
	}
	a.workspaces.Get(session, a.newWorkspace)

	a.log.Info("user signed in", "email", email, "is_admin", isAdmin, "register", register)
	c.JSON(http.StatusOK, sessionView(session))
}

func (a *App) logoutHandler(c *gin.Context) {
	if session, err := getSession(c); err == nil {
		if err := a.sessions.Delete(c.Request.Context(), session.ID); err != nil {
			a.log.Error("failed to delete session", "err", err)
		}
		a.workspaces.Remove(session.ID)
	}
	a.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) sessionHandler(c *gin.Context) {
	session, err := getSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Session required"})
		return
	}
	c.JSON(http.StatusOK, sessionView(session))
}

func (a *App) sessionLanguageHandler(c *gin.Context) {
	var payload struct {
		Language string `json:"language"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Language) == "" {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Language is required"})
		return
	}
	session, err := getSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Session required"})
		return
	}
	session.Language = matchLanguage(payload.Language)
	if err := a.sessions.Update(c.Request.Context(), session); err != nil {
		writeAPIError(c, err)
		return
	}
	a.workspaces.Get(session, a.newWorkspace)
	c.JSON(http.StatusOK, sessionView(session))
}
