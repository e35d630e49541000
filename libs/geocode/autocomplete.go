package geocode

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"urbanlens/libs/debounce"
)

const (
	// MinQueryLength is the shortest trimmed input that triggers a lookup.
	MinQueryLength = 2
	// DefaultDebounce is how long input must settle before a lookup.
	DefaultDebounce = 300 * time.Millisecond
)

// ErrSuperseded is returned to callers whose query was replaced by a newer
// one before its results were delivered.
var ErrSuperseded = errors.New("search superseded by newer input")

// Autocompleter debounces type-ahead queries for one user. Only the query
// that is still current once input has settled reaches the geocoder, and
// a newer query aborts one already in flight.
type Autocompleter struct {
	geocoder  Geocoder
	limit     int
	debouncer *debounce.Debouncer
}

// NewAutocompleter builds an autocompleter that waits delay for input to
// settle.
func NewAutocompleter(g Geocoder, delay time.Duration) *Autocompleter {
	return &Autocompleter{geocoder: g, limit: AutocompleteLimit, debouncer: debounce.New(delay)}
}

// NewAutocompleterWithDebouncer is used by tests to control timing.
func NewAutocompleterWithDebouncer(g Geocoder, d *debounce.Debouncer) *Autocompleter {
	return &Autocompleter{geocoder: g, limit: AutocompleteLimit, debouncer: d}
}

type searchResult struct {
	places []Place
	err    error
}

// Query blocks until input settles and returns the suggestions for input.
// Inputs shorter than MinQueryLength clear suggestions without a lookup.
func (a *Autocompleter) Query(ctx context.Context, input string) ([]Place, error) {
	q := strings.TrimSpace(input)
	if utf8.RuneCountInString(q) < MinQueryLength {
		a.debouncer.Stop()
		return []Place{}, nil
	}

	results := make(chan searchResult, 1)
	task := a.debouncer.Trigger(context.WithoutCancel(ctx), func(taskCtx context.Context) {
		places, err := a.geocoder.Search(taskCtx, q, a.limit)
		if taskCtx.Err() != nil {
			err = ErrSuperseded
			places = nil
		}
		results <- searchResult{places: places, err: err}
	}, func() {
		results <- searchResult{err: ErrSuperseded}
	})

	select {
	case res := <-results:
		return res.places, res.err
	case <-ctx.Done():
		task.Cancel()
		return nil, ctx.Err()
	}
}

// Close drops any pending or running lookup.
func (a *Autocompleter) Close() {
	a.debouncer.Stop()
}
