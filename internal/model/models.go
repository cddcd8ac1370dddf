// Package model defines domain structs shared across the collector,
// realtime cache, and persistence layer.
package model

import "time"

// Backend represents one Clash-compatible router under observation.
type Backend struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Token     string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	Listening bool      `json:"listening"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConnectionSnapshot is one currently-open connection as reported by an
// upstream frame, normalized from the wire shape.
type ConnectionSnapshot struct {
	ID              string
	Upload          int64
	Download        int64
	Start           time.Time
	SourceIP        string
	SourcePort      string
	Host            string
	DestinationIP   string
	DestinationPort string
	Network         string
	Type            string
	Chains          []string
	Rule            string
	RulePayload     string
	Process         string
}

// Identity bundles the immutable descriptors of a connection. It is frozen
// at the first snapshot that introduces a connection id; later snapshots
// never overwrite it, even when upstream mutates host/rule/chains.
type Identity struct {
	Host          string
	RootDomain    string
	DestinationIP string
	Chain         string
	LandingProxy  string
	Rule          string
	SourceIP      string
	CountryCode   string
	Location      string
}

// Delta is a non-negative per-connection byte increment between two
// snapshots, carrying the frozen identity it should be attributed to.
type Delta struct {
	ConnectionID string
	Identity     Identity
	Upload       int64
	Download     int64
	At           time.Time
	IsNew        bool
	IsClosed     bool

	// Populated on IsClosed: cumulative bytes and connection start time
	// for the persistent connection record.
	FinalUpload   int64
	FinalDownload int64
	StartedAt     time.Time
}

// Stat is the common aggregate column set shared by every dimension row.
type Stat struct {
	Upload      int64 `json:"upload"`
	Download    int64 `json:"download"`
	Connections int64 `json:"connections"`
	LastSeen    int64 `json:"lastSeen"` // unix seconds
}

// Add merges another Stat additively; LastSeen takes the max.
func (s *Stat) Add(o Stat) {
	s.Upload += o.Upload
	s.Download += o.Download
	s.Connections += o.Connections
	if o.LastSeen > s.LastSeen {
		s.LastSeen = o.LastSeen
	}
}

// HourlyRow is one (backend, hour-bucket) aggregate.
type HourlyRow struct {
	BackendID string `json:"backendId"`
	Bucket    int64  `json:"bucket"` // UTC hour floor, unix seconds
	Stat
}

// DomainRow is one (backend, host, hour-bucket) aggregate.
type DomainRow struct {
	BackendID  string   `json:"backendId"`
	Host       string   `json:"host"`
	RootDomain string   `json:"rootDomain"`
	Bucket     int64    `json:"bucket"`
	IPsSeen    []string `json:"ipsSeen,omitempty"`
	ChainsSeen []string `json:"chainsSeen,omitempty"`
	Stat
}

// IPRow is one (backend, destination ip, hour-bucket) aggregate.
type IPRow struct {
	BackendID   string   `json:"backendId"`
	IP          string   `json:"ip"`
	Bucket      int64    `json:"bucket"`
	DomainsSeen []string `json:"domainsSeen,omitempty"`
	ChainsSeen  []string `json:"chainsSeen,omitempty"`
	CountryCode string   `json:"countryCode"`
	Location    string   `json:"location"`
	Stat
}

// ProxyRow is one (backend, canonical chain, hour-bucket) aggregate.
type ProxyRow struct {
	BackendID string `json:"backendId"`
	Chain     string `json:"chain"`
	Bucket    int64  `json:"bucket"`
	Stat
}

// RuleRow is one (backend, rule, hour-bucket) aggregate.
type RuleRow struct {
	BackendID string `json:"backendId"`
	Rule      string `json:"rule"`
	Bucket    int64  `json:"bucket"`
	Stat
}

// DeviceRow is one (backend, source ip, hour-bucket) aggregate.
type DeviceRow struct {
	BackendID string `json:"backendId"`
	SourceIP  string `json:"sourceIP"`
	Bucket    int64  `json:"bucket"`
	Stat
}

// CountryRow is one (backend, country code, hour-bucket) aggregate.
type CountryRow struct {
	BackendID   string `json:"backendId"`
	CountryCode string `json:"countryCode"`
	Bucket      int64  `json:"bucket"`
	Stat
}

// DomainChainRow is the (host, chain, source ip) drill-down join row.
type DomainChainRow struct {
	BackendID string `json:"backendId"`
	Host      string `json:"host"`
	Chain     string `json:"chain"`
	SourceIP  string `json:"sourceIP"`
	Bucket    int64  `json:"bucket"`
	Stat
}

// IPDomainRow is the (destination ip, host) drill-down join row.
type IPDomainRow struct {
	BackendID string `json:"backendId"`
	IP        string `json:"ip"`
	Host      string `json:"host"`
	Bucket    int64  `json:"bucket"`
	Stat
}

// IPChainRow is the (destination ip, chain, source ip) drill-down join row.
type IPChainRow struct {
	BackendID string `json:"backendId"`
	IP        string `json:"ip"`
	Chain     string `json:"chain"`
	SourceIP  string `json:"sourceIP"`
	Bucket    int64  `json:"bucket"`
	Stat
}

// RuleDomainChainRow is the (rule, host, chain) drill-down join row.
type RuleDomainChainRow struct {
	BackendID string `json:"backendId"`
	Rule      string `json:"rule"`
	Host      string `json:"host"`
	Chain     string `json:"chain"`
	Bucket    int64  `json:"bucket"`
	Stat
}

// ConnectionRecord is the short-lived persistent record of a closed
// connection, retained for the configured log window.
type ConnectionRecord struct {
	ID            string    `json:"id"`
	BackendID     string    `json:"backendId"`
	Host          string    `json:"host"`
	DestinationIP string    `json:"destinationIP"`
	Chain         string    `json:"chain"`
	Rule          string    `json:"rule"`
	SourceIP      string    `json:"sourceIP"`
	Upload        int64     `json:"upload"`
	Download      int64     `json:"download"`
	StartedAt     time.Time `json:"startedAt"`
	ClosedAt      time.Time `json:"closedAt"`
}

// RetentionConfig is the singleton retention policy row.
type RetentionConfig struct {
	ConnectionLogsDays int  `json:"connectionLogsDays"`
	HourlyStatsDays    int  `json:"hourlyStatsDays"`
	AutoCleanup        bool `json:"autoCleanup"`
}

// FlushBatch is an atomic drain of one backend's pending realtime deltas,
// grouped by dimension in flush order.
type FlushBatch struct {
	BackendID string

	Hourly           []HourlyRow
	Domains          []DomainRow
	IPs              []IPRow
	Proxies          []ProxyRow
	Rules            []RuleRow
	Devices          []DeviceRow
	Countries        []CountryRow
	DomainChains     []DomainChainRow
	IPDomains        []IPDomainRow
	IPChains         []IPChainRow
	RuleDomainChains []RuleDomainChainRow
}

// Empty reports whether the batch carries no rows at all.
func (b *FlushBatch) Empty() bool {
	return len(b.Hourly) == 0 && len(b.Domains) == 0 && len(b.IPs) == 0 &&
		len(b.Proxies) == 0 && len(b.Rules) == 0 && len(b.Devices) == 0 &&
		len(b.Countries) == 0 && len(b.DomainChains) == 0 &&
		len(b.IPDomains) == 0 && len(b.IPChains) == 0 &&
		len(b.RuleDomainChains) == 0
}

// HourBucket returns the UTC hour floor of t as unix seconds. Every
// aggregate table is keyed by this value.
func HourBucket(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}

// DayStart returns UTC midnight of the day containing t, as unix seconds.
func DayStart(t time.Time) int64 {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Unix()
}
