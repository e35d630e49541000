// Package geocode resolves free text to places and coordinates to
// addresses, restricted to a national bounding box.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"urbanlens/libs/issues"
)

const (
	DefaultBaseURL     = "https://nominatim.openstreetmap.org"
	DefaultCountry     = "ro"
	AutocompleteLimit  = 7
	reverseDetailZoom  = 18
	minRequestInterval = time.Second
)

// Address holds the structured address parts returned with a place.
type Address struct {
	Road          string `json:"road,omitempty"`
	Street        string `json:"street,omitempty"`
	HouseNumber   string `json:"house_number,omitempty"`
	Suburb        string `json:"suburb,omitempty"`
	Neighbourhood string `json:"neighbourhood,omitempty"`
	City          string `json:"city,omitempty"`
	Town          string `json:"town,omitempty"`
	Village       string `json:"village,omitempty"`
	County        string `json:"county,omitempty"`
	Postcode      string `json:"postcode,omitempty"`
	Country       string `json:"country,omitempty"`
}

// Locality returns city, town or village, whichever is set first.
func (a Address) Locality() string {
	switch {
	case a.City != "":
		return a.City
	case a.Town != "":
		return a.Town
	default:
		return a.Village
	}
}

// Place is a geocoding result.
type Place struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	DisplayName      string  `json:"display_name"`
	FormattedDisplay string  `json:"formatted_display"`
	Type             string  `json:"type,omitempty"`
	Class            string  `json:"class,omitempty"`
	Address          Address `json:"address"`
}

// Location converts the place into an issue location using the full
// display name as address.
func (p Place) Location() issues.Location {
	return issues.Location{Lat: p.Lat, Lng: p.Lng, Address: p.DisplayName}
}

// IsStreet reports whether the place is a street-level result.
func (p Place) IsStreet() bool {
	return p.Type == "street" || p.Type == "road" || p.Class == "highway"
}

// Geocoder resolves text to places and coordinates to a place.
type Geocoder interface {
	Search(ctx context.Context, query string, limit int) ([]Place, error)
	// Reverse returns nil without error when nothing is found.
	Reverse(ctx context.Context, lat, lng float64) (*Place, error)
}

// Nominatim implements Geocoder using OSM Nominatim.
// It enforces the service's one request per second policy.
type Nominatim struct {
	BaseURL      string
	UserAgent    string
	CountryCodes string
	Bounds       Bounds
	Client       *http.Client
	MinInterval  time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// NewNominatim returns a client restricted to Romania.
func NewNominatim(baseURL, userAgent string, client *http.Client) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Nominatim{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		UserAgent:    userAgent,
		CountryCodes: DefaultCountry,
		Bounds:       Romania,
		Client:       client,
		MinInterval:  minRequestInterval,
	}
}

type nominatimPlace struct {
	Lat         json.RawMessage `json:"lat"`
	Lon         json.RawMessage `json:"lon"`
	DisplayName string          `json:"display_name"`
	Type        string          `json:"type"`
	Class       string          `json:"class"`
	Address     Address         `json:"address"`
}

func (n nominatimPlace) toPlace() (Place, bool) {
	lat, ok := issues.ParseCoordinate(n.Lat)
	if !ok {
		return Place{}, false
	}
	lng, ok := issues.ParseCoordinate(n.Lon)
	if !ok {
		return Place{}, false
	}
	place := Place{
		Lat:         lat,
		Lng:         lng,
		DisplayName: n.DisplayName,
		Type:        n.Type,
		Class:       n.Class,
		Address:     n.Address,
	}
	place.FormattedDisplay = FormatDisplay(place)
	return place, true
}

// FormatDisplay shortens street results to "road, suburb, locality, county";
// other results keep the full display name.
func FormatDisplay(p Place) string {
	if !p.IsStreet() {
		return p.DisplayName
	}
	var parts []string
	road := p.Address.Road
	if road == "" {
		road = p.Address.Street
	}
	for _, part := range []string{road, p.Address.Suburb, p.Address.Locality(), p.Address.County} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return p.DisplayName
	}
	return strings.Join(parts, ", ")
}

// Search runs a forward lookup bounded to the configured box.
func (g *Nominatim) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("q", query)
	params.Set("countrycodes", g.CountryCodes)
	params.Set("addressdetails", "1")
	params.Set("viewbox", g.Bounds.Viewbox())
	params.Set("bounded", "1")
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raw []nominatimPlace
	if err := g.get(ctx, "/search", params, &raw); err != nil {
		return nil, err
	}
	places := make([]Place, 0, len(raw))
	for _, item := range raw {
		if place, ok := item.toPlace(); ok {
			places = append(places, place)
		}
	}
	return places, nil
}

// Reverse looks up the address at the given coordinates.
func (g *Nominatim) Reverse(ctx context.Context, lat, lng float64) (*Place, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("zoom", strconv.Itoa(reverseDetailZoom))
	params.Set("addressdetails", "1")

	var raw struct {
		nominatimPlace
		Error string `json:"error"`
	}
	if err := g.get(ctx, "/reverse", params, &raw); err != nil {
		return nil, err
	}
	if raw.Error != "" || raw.DisplayName == "" {
		return nil, nil
	}
	place := Place{
		Lat:         lat,
		Lng:         lng,
		DisplayName: raw.DisplayName,
		Type:        raw.Type,
		Class:       raw.Class,
		Address:     raw.Address,
	}
	place.FormattedDisplay = FormatDisplay(place)
	return &place, nil
}

func (g *Nominatim) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := g.wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", g.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nominatim error: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wait spaces requests at least MinInterval apart.
func (g *Nominatim) wait(ctx context.Context) error {
	g.mu.Lock()
	elapsed := time.Since(g.lastCall)
	delay := time.Duration(0)
	if !g.lastCall.IsZero() && elapsed < g.MinInterval {
		delay = g.MinInterval - elapsed
	}
	g.lastCall = time.Now().Add(delay)
	g.mu.Unlock()

	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
