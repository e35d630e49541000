package issues

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidCoordinates = errors.New("invalid location coordinates")

// Location is a geographic point with an optional human-readable address.
// Lat and Lng are always finite.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// NewLocation validates coordinates before building a Location.
func NewLocation(lat, lng float64, address string) (Location, error) {
	if !finite(lat) || !finite(lng) {
		return Location{}, ErrInvalidCoordinates
	}
	return Location{Lat: lat, Lng: lng, Address: address}, nil
}

func (l Location) Valid() bool {
	return finite(l.Lat) && finite(l.Lng)
}

// SamePoint reports exact coordinate equality, ignoring the address.
func (l Location) SamePoint(other Location) bool {
	return l.Lat == other.Lat && l.Lng == other.Lng
}

// RawLocation is a location as the remote service stores it: coordinates may
// arrive as JSON numbers or as numeric strings.
type RawLocation struct {
	Lat     json.RawMessage `json:"lat"`
	Lng     json.RawMessage `json:"lng"`
	Address string          `json:"address,omitempty"`
}

// Normalize returns the parsed location, or nil when either coordinate is
// missing, malformed or not finite.
func (r *RawLocation) Normalize() *Location {
	if r == nil {
		return nil
	}
	lat, ok := ParseCoordinate(r.Lat)
	if !ok {
		return nil
	}
	lng, ok := ParseCoordinate(r.Lng)
	if !ok {
		return nil
	}
	return &Location{Lat: lat, Lng: lng, Address: r.Address}
}

// ParseCoordinate accepts a JSON number or a JSON string holding a number.
// Strings must parse in full; "12abc" is rejected rather than read as 12.
func ParseCoordinate(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, finite(number)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || !finite(value) {
		return 0, false
	}
	return value, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
