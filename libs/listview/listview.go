// Package listview holds the search, sort and incremental paging state of
// the issue list.
package listview

import (
	"errors"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"urbanlens/libs/issues"
)

const (
	// PageSize is how many cards one page reveals.
	PageSize = 20
	// ScrollThreshold is how close, in pixels, to the end of the list a
	// scroll must come to reveal the next page.
	ScrollThreshold = 5
)

type SortKey string

const (
	SortDate     SortKey = "date"
	SortLocation SortKey = "location"
	SortCategory SortKey = "category"
	SortStatus   SortKey = "status"
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

var ErrUnknownSortKey = errors.New("unknown sort key")

// ParseSortKey validates a sort key received from a client.
func ParseSortKey(raw string) (SortKey, error) {
	switch key := SortKey(strings.ToLower(strings.TrimSpace(raw))); key {
	case SortDate, SortLocation, SortCategory, SortStatus:
		return key, nil
	default:
		return "", ErrUnknownSortKey
	}
}

// State is the list state of one session. It is not safe for concurrent use.
type State struct {
	Query    string             `json:"query"`
	Sort     SortKey            `json:"sort"`
	Dir      Direction          `json:"direction"`
	Visible  int                `json:"visible"`
	Expanded map[issues.ID]bool `json:"expanded"`

	lang language.Tag
}

// NewState starts sorted by date, newest first, with one page revealed.
// Text sort keys collate according to lang.
func NewState(lang language.Tag) *State {
	return &State{
		Sort:     SortDate,
		Dir:      Desc,
		Visible:  PageSize,
		Expanded: make(map[issues.ID]bool),
		lang:     lang,
	}
}

// SetLanguage changes the collation language.
func (s *State) SetLanguage(lang language.Tag) {
	s.lang = lang
}

// SetQuery changes the search text and resets paging.
func (s *State) SetQuery(q string) {
	s.Query = q
	s.Visible = PageSize
}

// SelectSort toggles the direction when key is already active; a new key
// starts ascending. Paging is reset either way.
func (s *State) SelectSort(key SortKey) {
	if s.Sort == key {
		if s.Dir == Asc {
			s.Dir = Desc
		} else {
			s.Dir = Asc
		}
	} else {
		s.Sort = key
		s.Dir = Asc
	}
	s.Visible = PageSize
}

// ToggleDetails expands or collapses the inline details of an issue and
// reports whether it is now expanded.
func (s *State) ToggleDetails(id issues.ID) bool {
	if s.Expanded[id] {
		delete(s.Expanded, id)
		return false
	}
	s.Expanded[id] = true
	return true
}

// OnScroll reveals one more page when the viewport is within
// ScrollThreshold of the end and more issues remain.
func (s *State) OnScroll(scrollTop, scrollHeight, clientHeight float64, total int) bool {
	if scrollTop+clientHeight < scrollHeight-ScrollThreshold || s.Visible >= total {
		return false
	}
	s.Visible = min(s.Visible+PageSize, total)
	return true
}

// Page is the revealed part of the filtered, sorted list.
type Page struct {
	Items   []issues.Issue `json:"items"`
	Total   int            `json:"total"`
	Visible int            `json:"visible"`
	HasMore bool           `json:"has_more"`
}

// Page filters and sorts list, then cuts it to the revealed count.
func (s *State) Page(list []issues.Issue) Page {
	all := s.Apply(list)
	n := min(s.Visible, len(all))
	return Page{Items: all[:n], Total: len(all), Visible: n, HasMore: n < len(all)}
}

// Apply returns the issues matching the query in sort order. list is not
// modified.
func (s *State) Apply(list []issues.Issue) []issues.Issue {
	out := make([]issues.Issue, 0, len(list))
	query := strings.ToLower(strings.TrimSpace(s.Query))
	for _, issue := range list {
		if query == "" || matches(issue, query) {
			out = append(out, issue)
		}
	}
	s.sortIssues(out)
	return out
}

func matches(issue issues.Issue, query string) bool {
	if strings.Contains(strings.ToLower(issue.Address()), query) {
		return true
	}
	if strings.Contains(strings.ToLower(issue.Title), query) {
		return true
	}
	categories := issue.Categories
	if len(categories) == 0 && issue.Category != "" {
		categories = []string{issue.Category}
	}
	for _, c := range categories {
		if strings.Contains(strings.ToLower(strings.ReplaceAll(c, "_", " ")), query) {
			return true
		}
	}
	return false
}

func (s *State) sortIssues(list []issues.Issue) {
	asc := s.Dir == Asc
	switch s.Sort {
	case SortLocation:
		s.sortText(list, asc, func(i issues.Issue) string { return i.Address() })
	case SortCategory:
		s.sortText(list, asc, func(i issues.Issue) string { return i.Category })
	case SortStatus:
		sort.SliceStable(list, func(a, b int) bool {
			if asc {
				return !list[a].Solved && list[b].Solved
			}
			return list[a].Solved && !list[b].Solved
		})
	default:
		sortByDate(list, asc)
	}
}

func (s *State) sortText(list []issues.Issue, asc bool, key func(issues.Issue) string) {
	c := collate.New(s.lang)
	sort.SliceStable(list, func(a, b int) bool {
		cmp := c.CompareString(key(list[a]), key(list[b]))
		if asc {
			return cmp < 0
		}
		return cmp > 0
	})
}

// sortByDate keeps dated issues ahead of undated ones in both directions;
// ties and undated issues fall back to id order.
func sortByDate(list []issues.Issue, asc bool) {
	sort.SliceStable(list, func(a, b int) bool {
		da, db := list[a].CreatedAt, list[b].CreatedAt
		switch {
		case da != nil && db == nil:
			return true
		case da == nil && db != nil:
			return false
		case da != nil && db != nil && !da.Equal(*db):
			if asc {
				return da.Before(*db)
			}
			return da.After(*db)
		}
		return list[a].ID.String() < list[b].ID.String()
	})
}
