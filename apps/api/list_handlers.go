package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"urbanlens/libs/listview"
)

type scrollPayload struct {
	ScrollTop    float64 `json:"scroll_top"`
	ScrollHeight float64 `json:"scroll_height"`
	ClientHeight float64 `json:"client_height"`
}

// listPageLocked renders the list state. The caller must hold ws.mu.
func (w *workspace) listPageLocked() gin.H {
	page := w.list.Page(w.store.Issues())
	return gin.H{
		"query":     w.list.Query,
		"sort":      w.list.Sort,
		"direction": w.list.Dir,
		"expanded":  w.list.Expanded,
		"page":      page,
	}
}

func (a *App) listHandler(c *gin.Context) {
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	ws.mu.Lock()
	defer ws.mu.Unlock()
	c.JSON(http.StatusOK, ws.listPageLocked())
}

func (a *App) listQueryHandler(c *gin.Context) {
	var payload queryPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid search payload"})
		return
	}
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.list.SetQuery(payload.Query)
	c.JSON(http.StatusOK, ws.listPageLocked())
}

func (a *App) listSortHandler(c *gin.Context) {
	var payload struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid sort payload"})
		return
	}
	key, err := listview.ParseSortKey(payload.Key)
	if err != nil {
		respondError(c, err)
		return
	}
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.list.SelectSort(key)
	c.JSON(http.StatusOK, ws.listPageLocked())
}

func (a *App) listScrollHandler(c *gin.Context) {
	var payload scrollPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid scroll payload"})
		return
	}
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	ws.mu.Lock()
	defer ws.mu.Unlock()
	total := len(ws.list.Apply(ws.store.Issues()))
	revealed := ws.list.OnScroll(payload.ScrollTop, payload.ScrollHeight, payload.ClientHeight, total)
	body := ws.listPageLocked()
	body["revealed"] = revealed
	c.JSON(http.StatusOK, body)
}

// listDetailsHandler expands or collapses a card. Expanding a persisted
// issue known only by summary loads its details.
func (a *App) listDetailsHandler(c *gin.Context) {
	id, err := parseIssueID(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	issue, ok := ws.store.Issue(id)
	if !ok {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Issue not found"})
		return
	}

	ws.mu.Lock()
	expanded := ws.list.ToggleDetails(id)
	ws.mu.Unlock()

	if expanded && issue.NeedsDetails() {
		issue, err = ws.store.SelectIssue(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"issue": issue, "expanded": expanded})
}
