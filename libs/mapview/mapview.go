// Package mapview turns the reconciled issue collection into map markers.
package mapview

import (
	"math"

	"urbanlens/libs/geocode"
	"urbanlens/libs/issues"
)

// Icon names a marker style.
type Icon string

const (
	IconDefault              Icon = "default"
	IconPotholes             Icon = "potholes"
	IconGraffiti             Icon = "graffiti"
	IconOverflowingTrashBins Icon = "overflowing_trash_bins"
	IconSolved               Icon = "solved"
)

var categoryIcons = map[string]Icon{
	"potholes":               IconPotholes,
	"graffiti":               IconGraffiti,
	"overflowing_trash_bins": IconOverflowingTrashBins,
}

// IconFor picks the marker icon of one issue. Solved wins over category.
func IconFor(issue issues.Issue) Icon {
	if issue.Solved {
		return IconSolved
	}
	category := issue.Category
	if len(issue.Categories) > 0 {
		category = issue.Categories[0]
	}
	if icon, ok := categoryIcons[category]; ok {
		return icon
	}
	return IconDefault
}

// Filter selects the issues shown on the map.
type Filter struct {
	ShowSolved bool     `json:"show_solved"`
	Categories []string `json:"categories"`
}

// DefaultFilter shows everything.
func DefaultFilter() Filter {
	return Filter{ShowSolved: true}
}

// Toggle adds the category to the active set, or removes it when present.
func (f Filter) Toggle(category string) Filter {
	out := Filter{ShowSolved: f.ShowSolved}
	removed := false
	for _, c := range f.Categories {
		if c == category {
			removed = true
			continue
		}
		out.Categories = append(out.Categories, c)
	}
	if !removed {
		out.Categories = append(out.Categories, category)
	}
	return out
}

// Matches reports whether the issue passes the filter. Category matching is
// OR: any of the issue's categories, or its primary category, may match. An
// empty category set matches everything.
func (f Filter) Matches(issue issues.Issue) bool {
	if issue.Solved && !f.ShowSolved {
		return false
	}
	if len(f.Categories) == 0 {
		return true
	}
	for _, active := range f.Categories {
		if issue.Category == active {
			return true
		}
		for _, c := range issue.Categories {
			if c == active {
				return true
			}
		}
	}
	return false
}

// Group is one marker: every visible issue at exactly the same point.
type Group struct {
	Lat    float64        `json:"lat"`
	Lng    float64        `json:"lng"`
	Icon   Icon           `json:"icon"`
	Issues []issues.Issue `json:"issues"`
}

// Size is the number of issues under the marker.
func (g Group) Size() int { return len(g.Issues) }

// IndexOf returns the position of id in the group, or -1.
func (g Group) IndexOf(id issues.ID) int {
	for i, issue := range g.Issues {
		if issue.ID == id {
			return i
		}
	}
	return -1
}

type point struct{ lat, lng float64 }

// GroupMarkers filters the issues and groups those sharing exact
// coordinates, in the order each point is first seen. Issues without a valid
// location are never plotted. A group takes the icon of its first issue.
func GroupMarkers(list []issues.Issue, filter Filter) []Group {
	index := make(map[point]int)
	var groups []Group
	for _, issue := range list {
		if !issue.HasLocation() || !filter.Matches(issue) {
			continue
		}
		p := point{issue.Location.Lat, issue.Location.Lng}
		if i, ok := index[p]; ok {
			groups[i].Issues = append(groups[i].Issues, issue)
			continue
		}
		index[p] = len(groups)
		groups = append(groups, Group{
			Lat:    p.lat,
			Lng:    p.lng,
			Icon:   IconFor(issue),
			Issues: []issues.Issue{issue},
		})
	}
	return groups
}

// FindGroup returns the group holding id.
func FindGroup(groups []Group, id issues.ID) (Group, bool) {
	for _, g := range groups {
		if g.IndexOf(id) >= 0 {
			return g, true
		}
	}
	return Group{}, false
}

// Popup is the page of a marker popup showing one issue of its group.
type Popup struct {
	Index int          `json:"index"`
	Total int          `json:"total"`
	Issue issues.Issue `json:"issue"`
}

// Page moves step issues from index, wrapping around the group.
func (g Group) Page(index, step int) (Popup, bool) {
	n := len(g.Issues)
	if n == 0 {
		return Popup{}, false
	}
	i := ((index+step)%n + n) % n
	return Popup{Index: i, Total: n, Issue: g.Issues[i]}, true
}

// AvailableCategories lists the categories present in the collection in
// first-seen order, for the filter chips.
func AvailableCategories(list []issues.Issue) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, issue := range list {
		for _, c := range issue.Categories {
			add(c)
		}
		add(issue.Category)
	}
	return out
}

const (
	// FocusZoom is the zoom a selected issue is shown at.
	FocusZoom = geocode.DetailZoom
	// FocusEpsilon is how far, in degrees, the view may be from the issue
	// before it is recentred.
	FocusEpsilon = 1e-5
)

// InitialView is the view before anything is focused.
func InitialView() geocode.Center {
	return geocode.RomaniaCenter
}

// Focus returns the view centred on the issue. changed is false when the
// view already shows the issue, so panning is not interrupted.
func Focus(view geocode.Center, issue issues.Issue) (next geocode.Center, changed bool) {
	if !issue.HasLocation() {
		return view, false
	}
	lat, lng := issue.Location.Lat, issue.Location.Lng
	if math.Abs(view.Lat-lat) <= FocusEpsilon && math.Abs(view.Lng-lng) <= FocusEpsilon && view.Zoom == FocusZoom {
		return view, false
	}
	return geocode.Center{Lat: lat, Lng: lng, Zoom: FocusZoom}, true
}
