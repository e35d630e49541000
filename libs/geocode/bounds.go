package geocode

import (
	"fmt"
	"strconv"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// Bounds is a latitude/longitude box in degrees.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// Romania is the national bounding box every location must fall into.
var Romania = Bounds{MinLat: 43.5, MaxLat: 48.3, MinLng: 20.2, MaxLng: 30.0}

// Center is the default map centre with its zoom.
type Center struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom int     `json:"zoom"`
}

// RomaniaCenter is the initial view when nothing is focused.
var RomaniaCenter = Center{Lat: 45.9443, Lng: 25.0094, Zoom: 7}

func (b Bounds) rect() s2.Rect {
	lo := s2.LatLngFromDegrees(b.MinLat, b.MinLng)
	hi := s2.LatLngFromDegrees(b.MaxLat, b.MaxLng)
	return s2.Rect{
		Lat: r1.Interval{Lo: lo.Lat.Radians(), Hi: hi.Lat.Radians()},
		Lng: s1.Interval{Lo: lo.Lng.Radians(), Hi: hi.Lng.Radians()},
	}
}

// Contains reports whether the point lies inside the box, edges included.
func (b Bounds) Contains(lat, lng float64) bool {
	return b.rect().ContainsLatLng(s2.LatLngFromDegrees(lat, lng))
}

// Viewbox renders the box the way Nominatim expects: left,top,right,bottom.
func (b Bounds) Viewbox() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Sprintf("%s,%s,%s,%s", f(b.MinLng), f(b.MaxLat), f(b.MaxLng), f(b.MinLat))
}
