// Package imagecache remembers which image URLs have already been loaded so
// the same image is never fetched or decoded twice.
package imagecache

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	// registered decoders for image.DecodeConfig
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	maxImageBytes = 20 * 1024 * 1024

	DefaultMaxEntries = 512
	DefaultMaxBytes   = 256 * 1024 * 1024
)

var (
	ErrNotImage        = errors.New("resource is not a decodable image")
	ErrTooLarge        = errors.New("image exceeds size limit")
	ErrUnsupported     = errors.New("unsupported image source")
	ErrSourceForbidden = errors.New("image host is not allowed")
)

// Options configures a Cache.
type Options struct {
	// TTL expires entries after the given duration. Zero keeps them until
	// evicted or Reset.
	TTL time.Duration
	// MaxEntries and MaxBytes bound the cache. The oldest entries are
	// evicted first. Zero selects the defaults.
	MaxEntries int
	MaxBytes   int64
	// AllowedHosts may be fetched over http(s) as long as they resolve to
	// public addresses. An entry starting with "." matches subdomains.
	AllowedHosts []string
	// InternalHosts may be fetched even when they resolve to loopback or
	// private addresses.
	InternalHosts []string
}

// Entry is a successfully loaded image.
type Entry struct {
	URL         string
	ContentType string
	Data        []byte
	Width       int
	Height      int
	LoadedAt    time.Time

	seq uint64
}

// Cache maps image URLs to their loaded content. The first successful load
// of a URL wins and is never overwritten; failed loads are not remembered.
// Entries live until Reset, eviction, or the TTL when one is configured.
// Only data URLs and configured hosts are ever fetched.
type Cache struct {
	client   *http.Client
	entries  *cache.Cache
	group    singleflight.Group
	opts     Options
	resolver *net.Resolver

	mu   sync.Mutex
	next uint64
}

// New creates a cache.
func New(client *http.Client, opts Options) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if opts.TTL > 0 {
		expiration = opts.TTL
		cleanup = opts.TTL * 2
	}
	c := &Cache{entries: cache.New(expiration, cleanup), opts: opts, resolver: net.DefaultResolver}
	guarded := *client
	guarded.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		return c.checkSource(req.Context(), req.URL)
	}
	c.client = &guarded
	return c
}

// IsLoaded reports whether url has been loaded successfully before.
func (c *Cache) IsLoaded(src string) bool {
	_, ok := c.entries.Get(src)
	return ok
}

// Get returns the cached entry for url.
func (c *Cache) Get(src string) (*Entry, bool) {
	cached, ok := c.entries.Get(src)
	if !ok {
		return nil, false
	}
	return cached.(*Entry), true
}

// Load returns the cached entry for url or loads it. Concurrent loads of the
// same url share one fetch.
func (c *Cache) Load(ctx context.Context, src string) (*Entry, bool, error) {
	if entry, ok := c.Get(src); ok {
		return entry, true, nil
	}
	value, err, _ := c.group.Do(src, func() (any, error) {
		if entry, ok := c.Get(src); ok {
			return entry, nil
		}
		entry, err := c.fetch(ctx, src)
		if err != nil {
			return nil, err
		}
		return c.store(src, entry), nil
	})
	if err != nil {
		return nil, false, err
	}
	return value.(*Entry), false, nil
}

// store adds entry, evicting the oldest entries to stay within bounds. The
// first stored entry for a url wins.
func (c *Cache) store(src string, entry *Entry) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.Get(src); ok {
		return existing
	}

	type item struct {
		url   string
		entry *Entry
	}
	items := make([]item, 0, c.entries.ItemCount())
	var total int64
	for key, cached := range c.entries.Items() {
		e := cached.Object.(*Entry)
		items = append(items, item{url: key, entry: e})
		total += int64(len(e.Data))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.seq < items[j].entry.seq
	})
	size := int64(len(entry.Data))
	for len(items) > 0 && (len(items)+1 > c.opts.MaxEntries || total+size > c.opts.MaxBytes) {
		c.entries.Delete(items[0].url)
		total -= int64(len(items[0].entry.Data))
		items = items[1:]
	}
	c.next++
	entry.seq = c.next
	c.entries.Set(src, entry, cache.DefaultExpiration)
	return entry
}

// Len returns the number of loaded URLs.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// Reset forgets every loaded URL.
func (c *Cache) Reset() {
	c.entries.Flush()
}

func (c *Cache) fetch(ctx context.Context, raw string) (*Entry, error) {
	var data []byte
	var contentType string
	switch {
	case strings.HasPrefix(raw, "data:"):
		decoded, mimeType, err := decodeDataURL(raw)
		if err != nil {
			return nil, err
		}
		data, contentType = decoded, mimeType
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		target, err := url.Parse(raw)
		if err != nil {
			return nil, ErrUnsupported
		}
		if err := c.checkSource(ctx, target); err != nil {
			return nil, err
		}
		fetched, mimeType, err := c.download(ctx, raw)
		if err != nil {
			return nil, err
		}
		data, contentType = fetched, mimeType
	default:
		return nil, ErrUnsupported
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = "image/" + format
	}
	return &Entry{
		URL:         raw,
		ContentType: contentType,
		Data:        data,
		Width:       cfg.Width,
		Height:      cfg.Height,
		LoadedAt:    time.Now().UTC(),
	}, nil
}

// checkSource rejects hosts that are not configured and allowed hosts that
// resolve to non-public addresses.
func (c *Cache) checkSource(ctx context.Context, target *url.URL) error {
	if target.Scheme != "http" && target.Scheme != "https" {
		return ErrUnsupported
	}
	host := strings.ToLower(target.Hostname())
	if host == "" {
		return ErrUnsupported
	}
	if matchHost(c.opts.InternalHosts, host) {
		return nil
	}
	if !matchHost(c.opts.AllowedHosts, host) {
		return fmt.Errorf("%w: %s", ErrSourceForbidden, host)
	}
	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		resolved, err := c.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("resolve image host %s: %w", host, err)
		}
		addrs = resolved
	}
	for _, addr := range addrs {
		if !publicAddr(addr) {
			return fmt.Errorf("%w: %s resolves to %s", ErrSourceForbidden, host, addr)
		}
	}
	return nil
}

func matchHost(patterns []string, host string) bool {
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if strings.HasPrefix(pattern, ".") {
			if strings.HasSuffix(host, pattern) {
				return true
			}
			continue
		}
		if h, _, err := net.SplitHostPort(pattern); err == nil {
			pattern = h
		}
		if host == pattern {
			return true
		}
	}
	return false
}

func publicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsUnspecified() &&
		!addr.IsMulticast()
}

func (c *Cache) download(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image fetch failed: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", ErrTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func decodeDataURL(raw string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, "", ErrUnsupported
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if len(data) > maxImageBytes {
		return nil, "", ErrTooLarge
	}
	return data, strings.TrimSuffix(header, ";base64"), nil
}
