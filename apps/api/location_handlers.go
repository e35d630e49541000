package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"urbanlens/libs/geocode"
	"urbanlens/libs/issues"
	"urbanlens/libs/locassign"
)

func (a *App) locationDraftHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"draft": getWorkspace(c).assigner.Draft()})
}

// currentLocation resolves the location a new draft starts from and checks
// that the target exists.
func (w *workspace) currentLocation(target locassign.Target) (*issues.Location, error) {
	switch target.Kind {
	case locassign.TargetIssue:
		issue, ok := w.store.Issue(target.IssueID)
		if !ok {
			return nil, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Issue not found"}
		}
		return issue.Location, nil
	case locassign.TargetImage:
		for _, img := range w.store.Images() {
			if img.Name == target.ImageName {
				return img.Location, nil
			}
		}
		return nil, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Analyzed image not found"}
	case locassign.TargetAllImages:
		if len(w.store.Images()) == 0 {
			return nil, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "There are no analyzed images"}
		}
		return nil, nil
	default:
		return nil, badRequest("Unknown location target")
	}
}

func (a *App) locationOpenHandler(c *gin.Context) {
	var target locassign.Target
	if err := c.ShouldBindJSON(&target); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid location target"})
		return
	}
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	current, err := ws.currentLocation(target)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"draft": ws.assigner.Open(target, current)})
}

func (a *App) locationPickHandler(c *gin.Context) {
	var payload coordinatesPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, badRequest("Invalid coordinates"))
		return
	}
	a.respondDraft(c)(getWorkspace(c).assigner.PickOnMap(c.Request.Context(), payload.Lat, payload.Lng))
}

func (a *App) locationDeviceHandler(c *gin.Context) {
	var payload coordinatesPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, badRequest("Invalid coordinates"))
		return
	}
	a.respondDraft(c)(getWorkspace(c).assigner.UseDeviceLocation(c.Request.Context(), payload.Lat, payload.Lng))
}

func (a *App) locationSearchHandler(c *gin.Context) {
	var payload queryPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, badRequest("Invalid search payload"))
		return
	}
	a.respondDraft(c)(getWorkspace(c).assigner.Search(c.Request.Context(), payload.Query))
}

func (a *App) locationSelectHandler(c *gin.Context) {
	var place geocode.Place
	if err := c.ShouldBindJSON(&place); err != nil {
		writeAPIError(c, badRequest("Invalid place"))
		return
	}
	a.respondDraft(c)(getWorkspace(c).assigner.SelectPlace(place))
}

func (a *App) respondDraft(c *gin.Context) func(locassign.Draft, error) {
	return func(draft locassign.Draft, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"draft": draft})
	}
}

// locationSaveHandler commits the draft to its target.
func (a *App) locationSaveHandler(c *gin.Context) {
	ws := getWorkspace(c)
	target, loc, err := ws.assigner.Save()
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	switch target.Kind {
	case locassign.TargetIssue:
		_, err = ws.store.AssignLocation(target.IssueID, loc)
	case locassign.TargetImage:
		err = ws.store.AssignImageLocation(ctx, target.ImageName, loc)
	case locassign.TargetAllImages:
		err = ws.store.AssignAllImagesLocation(ctx, loc)
	}
	if err != nil {
		a.log.Warn("saving location failed", "kind", target.Kind, "err", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target":   target,
		"location": loc,
		"images":   ws.store.Images(),
	})
}

func (a *App) locationCancelHandler(c *gin.Context) {
	ws := getWorkspace(c)
	ws.assigner.Cancel()
	c.JSON(http.StatusOK, gin.H{"draft": ws.assigner.Draft()})
}
