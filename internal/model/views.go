package model

// KeyedStat is a one-key aggregate view row (proxy chain, rule, country,
// device) used by list and drill-down responses.
type KeyedStat struct {
	Key string `json:"key"`
	Stat
}

// DomainAgg is a domain view row aggregated across buckets of a window.
type DomainAgg struct {
	Host       string `json:"host"`
	RootDomain string `json:"rootDomain,omitempty"`
	Stat
}

// IPAgg is a destination-ip view row with geo attribution.
type IPAgg struct {
	IP          string `json:"ip"`
	CountryCode string `json:"countryCode,omitempty"`
	Location    string `json:"location,omitempty"`
	Stat
}

// TrendPoint is one time-series bucket in a trend or hourly response.
type TrendPoint struct {
	Bucket      int64 `json:"bucket"` // unix seconds, UTC bucket floor
	Upload      int64 `json:"upload"`
	Download    int64 `json:"download"`
	Connections int64 `json:"connections"`
}

// TodayStat is the since-UTC-midnight total used on the summary.
type TodayStat struct {
	Upload   int64 `json:"upload"`
	Download int64 `json:"download"`
}

// Summary is the /api/stats/summary response body.
type Summary struct {
	BackendID        string       `json:"backendId"`
	TotalUpload      int64        `json:"totalUpload"`
	TotalDownload    int64        `json:"totalDownload"`
	TotalConnections int64        `json:"totalConnections"`
	TopDomains       []DomainAgg  `json:"topDomains"`
	TopIPs           []IPAgg      `json:"topIPs"`
	ProxyStats       []KeyedStat  `json:"proxyStats"`
	RuleStats        []KeyedStat  `json:"ruleStats"`
	HourlyStats      []TrendPoint `json:"hourlyStats"`
	Today            TodayStat    `json:"today"`
	Overlaid         bool         `json:"overlaid"`
}

// BackendTotals is one backend's slice of the global summary.
type BackendTotals struct {
	BackendID string `json:"backendId"`
	Name      string `json:"name"`
	Stat
}

// GlobalStats is the /api/stats/global response body: persisted totals
// across every backend, no realtime overlay.
type GlobalStats struct {
	TotalUpload      int64           `json:"totalUpload"`
	TotalDownload    int64           `json:"totalDownload"`
	TotalConnections int64           `json:"totalConnections"`
	Backends         []BackendTotals `json:"backends"`
}

// Page is a paginated list response.
type Page[T any] struct {
	Data  []T   `json:"data"`
	Total int64 `json:"total"`
}

// CleanupResult reports per-dimension deleted row counts.
type CleanupResult map[string]int64
