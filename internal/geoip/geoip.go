// Package geoip provides country lookup for destination IPs. The
// production resolver reads a local MaxMind-format database; lookups are
// memoized in a bounded cache because the same destinations recur across
// snapshots.
package geoip

import (
	"fmt"
	"net"
	"sync"

	"github.com/maypok86/otter"
	"github.com/oschwald/maxminddb-golang"
)

// Info is the result of a lookup. Zero value means unknown.
type Info struct {
	CountryCode string
	Location    string
}

// Resolver resolves an IP address to country information. Implementations
// must be safe for concurrent use. A lookup miss returns the zero Info
// with a nil error; errors are reserved for reader failures.
type Resolver interface {
	Lookup(ip string) (Info, error)
}

const lookupCacheEntries = 65536

type mmdbRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// MMDBResolver resolves countries from a local mmdb file.
type MMDBResolver struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
	cache  otter.Cache[string, Info]
}

// OpenMMDB opens the database at path and returns a caching resolver.
func OpenMMDB(path string) (*MMDBResolver, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}

	cache, err := otter.MustBuilder[string, Info](lookupCacheEntries).
		Cost(func(_ string, _ Info) uint32 { return 1 }).
		Build()
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("geoip: build cache: %w", err)
	}

	return &MMDBResolver{reader: reader, cache: cache}, nil
}

// Lookup resolves ip to country info. Private, malformed, and unknown
// addresses resolve to the zero Info.
func (r *MMDBResolver) Lookup(ip string) (Info, error) {
	if info, ok := r.cache.Get(ip); ok {
		return info, nil
	}

	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() {
		return Info{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return Info{}, nil
	}

	var rec mmdbRecord
	if err := r.reader.Lookup(parsed, &rec); err != nil {
		return Info{}, fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}

	info := Info{CountryCode: rec.Country.ISOCode}
	country := rec.Country.Names["en"]
	city := rec.City.Names["en"]
	switch {
	case city != "" && country != "":
		info.Location = city + ", " + country
	case country != "":
		info.Location = country
	}

	r.cache.Set(ip, info)
	return info, nil
}

// Close releases the underlying reader.
func (r *MMDBResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}

// StaticResolver serves lookups from a fixed map. Used in tests and as a
// stand-in when no database is configured.
type StaticResolver struct {
	Entries map[string]Info
}

// Lookup implements Resolver.
func (s *StaticResolver) Lookup(ip string) (Info, error) {
	if s == nil || s.Entries == nil {
		return Info{}, nil
	}
	return s.Entries[ip], nil
}
