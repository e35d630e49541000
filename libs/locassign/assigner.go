// Package locassign drafts a location for an issue or an analyzed image
// from a map pick, a text search or the device position, and hands it over
// on save.
package locassign

import (
	"context"
	"errors"
	"strings"
	"sync"

	"urbanlens/libs/geocode"
	"urbanlens/libs/issues"
)

const (
	// UnknownAddress labels a map pick whose address lookup failed.
	UnknownAddress = "Unknown location"
	// CurrentLocationAddress labels a device position without an address.
	CurrentLocationAddress = "Locația curentă"
)

var (
	ErrOutOfBounds = errors.New("location is outside Romania")
	ErrNoLocation  = errors.New("please select a location first")
	ErrNotFound    = errors.New("location not found, try a different search")
	ErrNotOpen     = errors.New("no location is being assigned")
	ErrEmptyQuery  = errors.New("enter a place to search for")
)

// TargetKind says what a saved location is applied to.
type TargetKind string

const (
	TargetIssue     TargetKind = "issue"
	TargetImage     TargetKind = "image"
	TargetAllImages TargetKind = "all_images"
)

type Target struct {
	Kind      TargetKind `json:"kind"`
	IssueID   issues.ID  `json:"issue_id"`
	ImageName string     `json:"image_name,omitempty"`
}

// Draft is the uncommitted state of the assigner.
type Draft struct {
	Open     bool             `json:"open"`
	Target   Target           `json:"target"`
	Location *issues.Location `json:"location"`
	View     geocode.Center   `json:"view"`
	Error    string           `json:"error,omitempty"`
}

// Assigner is safe for concurrent use. Lookups run without holding the lock;
// a result that arrives after the draft was reopened or cancelled is
// dropped.
type Assigner struct {
	geocoder geocode.Geocoder
	bounds   geocode.Bounds

	mu         sync.Mutex
	draft      Draft
	generation uint64
}

func New(g geocode.Geocoder) *Assigner {
	return &Assigner{geocoder: g, bounds: geocode.Romania}
}

// Open starts a new draft for target, seeded with its current location.
func (a *Assigner) Open(target Target, current *issues.Location) Draft {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.draft = Draft{Open: true, Target: target, View: geocode.RomaniaCenter}
	if current != nil && current.Valid() {
		loc := *current
		a.draft.Location = &loc
		a.draft.View = geocode.Center{Lat: loc.Lat, Lng: loc.Lng, Zoom: geocode.DetailZoom}
	}
	return a.draft
}

func (a *Assigner) Draft() Draft {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draft
}

// PickOnMap uses a double-clicked point. A failed address lookup keeps the
// point with a placeholder address.
func (a *Assigner) PickOnMap(ctx context.Context, lat, lng float64) (Draft, error) {
	gen, err := a.begin(lat, lng)
	if err != nil {
		return a.Draft(), err
	}
	address := UnknownAddress
	if place, err := a.geocoder.Reverse(ctx, lat, lng); err == nil && place != nil && place.DisplayName != "" {
		address = place.DisplayName
	}
	return a.accept(gen, issues.Location{Lat: lat, Lng: lng, Address: address}, geocode.DetailZoom)
}

// UseDeviceLocation uses the position reported by the browser.
func (a *Assigner) UseDeviceLocation(ctx context.Context, lat, lng float64) (Draft, error) {
	gen, err := a.begin(lat, lng)
	if err != nil {
		return a.Draft(), err
	}
	address := CurrentLocationAddress
	if place, err := a.geocoder.Reverse(ctx, lat, lng); err == nil && place != nil && place.DisplayName != "" {
		address = place.DisplayName
	}
	return a.accept(gen, issues.Location{Lat: lat, Lng: lng, Address: address}, geocode.DetailZoom)
}

// Search takes the first forward-geocoding hit for query.
func (a *Assigner) Search(ctx context.Context, query string) (Draft, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return a.Draft(), ErrEmptyQuery
	}
	gen, err := a.current()
	if err != nil {
		return Draft{}, err
	}
	places, err := a.geocoder.Search(ctx, query, 1)
	if err != nil {
		return a.fail(gen, err, "Error searching for location. Please try again.")
	}
	if len(places) == 0 {
		return a.fail(gen, ErrNotFound, ErrNotFound.Error())
	}
	return a.SelectPlace(places[0])
}

// SelectPlace uses a place picked from the autocomplete suggestions.
func (a *Assigner) SelectPlace(place geocode.Place) (Draft, error) {
	gen, err := a.begin(place.Lat, place.Lng)
	if err != nil {
		return a.Draft(), err
	}
	return a.accept(gen, place.Location(), geocode.ZoomForPlace(place.Type))
}

// Save returns the drafted location and closes the draft.
func (a *Assigner) Save() (Target, issues.Location, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.draft.Open {
		return Target{}, issues.Location{}, ErrNotOpen
	}
	if a.draft.Location == nil || !a.draft.Location.Valid() {
		a.draft.Error = ErrNoLocation.Error()
		return Target{}, issues.Location{}, ErrNoLocation
	}
	target, loc := a.draft.Target, *a.draft.Location
	a.generation++
	a.draft = Draft{}
	return target, loc, nil
}

// Cancel discards the draft.
func (a *Assigner) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.draft = Draft{}
}

func (a *Assigner) current() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.draft.Open {
		return 0, ErrNotOpen
	}
	return a.generation, nil
}

// begin validates coordinates before any lookup is made.
func (a *Assigner) begin(lat, lng float64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.draft.Open {
		return 0, ErrNotOpen
	}
	if _, err := issues.NewLocation(lat, lng, ""); err != nil {
		a.draft.Error = err.Error()
		return 0, err
	}
	if !a.bounds.Contains(lat, lng) {
		a.draft.Error = "The selected location is outside Romania."
		return 0, ErrOutOfBounds
	}
	a.draft.Error = ""
	return a.generation, nil
}

func (a *Assigner) accept(gen uint64, loc issues.Location, zoom int) (Draft, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return a.draft, ErrNotOpen
	}
	a.draft.Location = &loc
	a.draft.View = geocode.Center{Lat: loc.Lat, Lng: loc.Lng, Zoom: zoom}
	a.draft.Error = ""
	return a.draft, nil
}

func (a *Assigner) fail(gen uint64, err error, msg string) (Draft, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen == a.generation {
		a.draft.Error = msg
	}
	return a.draft, err
}
