package geocode

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// reverseGridDecimals rounds coordinates to roughly one metre before they
// are used as cache keys.
const reverseGridDecimals = 5

// CachedGeocoder memoizes reverse lookups of an underlying geocoder.
// Forward searches are passed through unchanged.
type CachedGeocoder struct {
	next    Geocoder
	reverse *cache.Cache
}

// NewCachedGeocoder wraps next with a reverse-lookup cache of the given TTL.
func NewCachedGeocoder(next Geocoder, ttl time.Duration) *CachedGeocoder {
	return &CachedGeocoder{next: next, reverse: cache.New(ttl, ttl*2)}
}

func (g *CachedGeocoder) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	return g.next.Search(ctx, query, limit)
}

func (g *CachedGeocoder) Reverse(ctx context.Context, lat, lng float64) (*Place, error) {
	key := fmt.Sprintf("%.*f,%.*f", reverseGridDecimals, lat, reverseGridDecimals, lng)
	if cached, ok := g.reverse.Get(key); ok {
		place := cached.(Place)
		place.Lat, place.Lng = lat, lng
		return &place, nil
	}
	place, err := g.next.Reverse(ctx, lat, lng)
	if err != nil || place == nil {
		return place, err
	}
	g.reverse.SetDefault(key, *place)
	return place, nil
}

// Len returns the number of cached reverse lookups.
func (g *CachedGeocoder) Len() int {
	return g.reverse.ItemCount()
}
