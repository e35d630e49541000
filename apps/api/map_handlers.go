package main

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"urbanlens/libs/geocode"
	"urbanlens/libs/issues"
	"urbanlens/libs/locassign"
	"urbanlens/libs/mapview"
)

const (
	minMapZoom = 0
	maxMapZoom = 19
)

type coordinatesPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type queryPayload struct {
	Query string `json:"query"`
}

// focus recentres the map view on issue and reports the resulting view.
func (w *workspace) focus(issue issues.Issue) geocode.Center {
	w.mu.Lock()
	defer w.mu.Unlock()
	if next, changed := mapview.Focus(w.view, issue); changed {
		w.view = next
	}
	return w.view
}

func (w *workspace) mapState() (mapview.Filter, geocode.Center) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filter, w.view
}

func (w *workspace) setView(view geocode.Center) {
	w.mu.Lock()
	w.view = view
	w.mu.Unlock()
}

func (a *App) mapHandler(c *gin.Context) {
	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())

	ws.mu.Lock()
	if raw := c.Query("show_solved"); raw != "" {
		if show, err := strconv.ParseBool(raw); err == nil {
			ws.filter.ShowSolved = show
		}
	}
	if category := strings.TrimSpace(c.Query("toggle")); category != "" {
		ws.filter = ws.filter.Toggle(category)
	}
	if _, reset := c.GetQuery("reset"); reset {
		ws.filter = mapview.DefaultFilter()
	}
	ws.mu.Unlock()

	filter, view := ws.mapState()
	all := ws.store.Issues()
	groups := mapview.GroupMarkers(all, filter)
	if groups == nil {
		groups = []mapview.Group{}
	}
	c.JSON(http.StatusOK, gin.H{
		"view":       view,
		"filter":     filter,
		"categories": mapview.AvailableCategories(all),
		"groups":     groups,
		"selected":   ws.store.Selected(),
		"last_error": ws.store.LastError(),
	})
}

// mapPopupHandler pages through the issues sharing a marker. step 0 returns
// the page of the given issue itself.
func (a *App) mapPopupHandler(c *gin.Context) {
	id, err := issues.ParseID(c.Query("id"))
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_id", Message: "Invalid issue ID"})
		return
	}
	step := 0
	if raw := c.Query("step"); raw != "" {
		step, err = strconv.Atoi(raw)
		if err != nil {
			writeAPIError(c, badRequest("step must be an integer"))
			return
		}
	}

	ws := getWorkspace(c)
	ws.ensureLoaded(c.Request.Context())
	filter, _ := ws.mapState()
	group, ok := mapview.FindGroup(mapview.GroupMarkers(ws.store.Issues(), filter), id)
	if !ok {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Issue is not shown on the map"})
		return
	}
	popup, _ := group.Page(group.IndexOf(id), step)
	c.JSON(http.StatusOK, gin.H{
		"lat":   group.Lat,
		"lng":   group.Lng,
		"icon":  group.Icon,
		"popup": popup,
	})
}

func (a *App) mapViewHandler(c *gin.Context) {
	var view geocode.Center
	if err := c.ShouldBindJSON(&view); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid map view"})
		return
	}
	if math.IsNaN(view.Lat) || math.IsNaN(view.Lng) || view.Lat < -90 || view.Lat > 90 || view.Zoom < minMapZoom || view.Zoom > maxMapZoom {
		writeAPIError(c, badRequest("Invalid map view"))
		return
	}
	ws := getWorkspace(c)
	ws.setView(view)
	c.JSON(http.StatusOK, gin.H{"view": view})
}

// mapSearchHandler centres the map on the first match of a text search.
func (a *App) mapSearchHandler(c *gin.Context) {
	var payload queryPayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Query) == "" {
		writeAPIError(c, badRequest("Enter a place to search for"))
		return
	}
	places, err := a.geocoder.Search(c.Request.Context(), strings.TrimSpace(payload.Query), 1)
	if err != nil {
		a.log.Warn("map search failed", "query", payload.Query, "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "geocoder_error", Message: "Error searching for location. Please try again."})
		return
	}
	if len(places) == 0 {
		respondError(c, locassign.ErrNotFound)
		return
	}
	place := places[0]
	view := geocode.Center{Lat: place.Lat, Lng: place.Lng, Zoom: geocode.ZoomForPlace(place.Type)}
	getWorkspace(c).setView(view)
	c.JSON(http.StatusOK, gin.H{"view": view, "place": place})
}

// mapLocateHandler centres the map on the device position.
func (a *App) mapLocateHandler(c *gin.Context) {
	var payload coordinatesPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, badRequest("Invalid coordinates"))
		return
	}
	loc, err := validLocation(issues.Location{Lat: payload.Lat, Lng: payload.Lng})
	if err != nil {
		respondError(c, err)
		return
	}
	view := geocode.Center{Lat: loc.Lat, Lng: loc.Lng, Zoom: geocode.DetailZoom}
	getWorkspace(c).setView(view)
	c.JSON(http.StatusOK, gin.H{"view": view})
}

func (a *App) autocompleteHandler(c *gin.Context) {
	ws := getWorkspace(c)
	places, err := ws.autocomplete.Query(c.Request.Context(), c.Query("q"))
	if errors.Is(err, geocode.ErrSuperseded) {
		c.JSON(http.StatusOK, gin.H{"places": []geocode.Place{}, "superseded": true})
		return
	}
	if err != nil {
		a.log.Warn("autocomplete failed", "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "geocoder_error", Message: "Location suggestions are unavailable"})
		return
	}
	if places == nil {
		places = []geocode.Place{}
	}
	c.JSON(http.StatusOK, gin.H{"places": places, "superseded": false})
}
