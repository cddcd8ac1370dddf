// Package realtime holds the hot, un-flushed aggregate state: every delta
// the collector has observed since the last flush, mirrored across the
// same dimensions as the persistent tables. Readers overlay this state
// onto store results for time-proximate windows; the flusher drains it.
package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/clashmeter/clashmeter/internal/model"
)

// ShouldOverlay reports whether a query window is close enough to now to
// warrant merging pending deltas. A missing window (zero end) spans all
// time and therefore includes now.
func ShouldOverlay(end time.Time, tolerance time.Duration) bool {
	if end.IsZero() {
		return true
	}
	return time.Since(end) <= tolerance
}

type domainKey struct {
	Host   string
	Bucket int64
}

type domainVal struct {
	RootDomain string
	IPs        map[string]struct{}
	Chains     map[string]struct{}
	model.Stat
}

type ipKey struct {
	IP     string
	Bucket int64
}

type ipVal struct {
	Domains     map[string]struct{}
	Chains      map[string]struct{}
	CountryCode string
	Location    string
	model.Stat
}

type chainKey struct {
	Chain  string
	Bucket int64
}

type ruleKey struct {
	Rule   string
	Bucket int64
}

type deviceKey struct {
	SourceIP string
	Bucket   int64
}

type countryKey struct {
	CountryCode string
	Bucket      int64
}

type domainChainKey struct {
	Host     string
	Chain    string
	SourceIP string
	Bucket   int64
}

type ipDomainKey struct {
	IP     string
	Host   string
	Bucket int64
}

type ipChainKey struct {
	IP       string
	Chain    string
	SourceIP string
	Bucket   int64
}

type ruleDomainChainKey struct {
	Rule   string
	Host   string
	Chain  string
	Bucket int64
}

// backendBucket is one backend's pending state. One mutex guards all
// maps: merges and drains on the same backend serialize; distinct
// backends never contend.
type backendBucket struct {
	mu sync.Mutex

	hourly           map[int64]model.Stat
	domains          map[domainKey]*domainVal
	ips              map[ipKey]*ipVal
	proxies          map[chainKey]model.Stat
	rules            map[ruleKey]model.Stat
	devices          map[deviceKey]model.Stat
	countries        map[countryKey]model.Stat
	domainChains     map[domainChainKey]model.Stat
	ipDomains        map[ipDomainKey]model.Stat
	ipChains         map[ipChainKey]model.Stat
	ruleDomainChains map[ruleDomainChainKey]model.Stat

	todayDay int64
	today    model.TodayStat
}

func newBackendBucket() *backendBucket {
	b := &backendBucket{}
	b.reset()
	return b
}

// reset reinitializes every map. Caller holds mu.
func (b *backendBucket) reset() {
	b.hourly = make(map[int64]model.Stat)
	b.domains = make(map[domainKey]*domainVal)
	b.ips = make(map[ipKey]*ipVal)
	b.proxies = make(map[chainKey]model.Stat)
	b.rules = make(map[ruleKey]model.Stat)
	b.devices = make(map[deviceKey]model.Stat)
	b.countries = make(map[countryKey]model.Stat)
	b.domainChains = make(map[domainChainKey]model.Stat)
	b.ipDomains = make(map[ipDomainKey]model.Stat)
	b.ipChains = make(map[ipChainKey]model.Stat)
	b.ruleDomainChains = make(map[ruleDomainChainKey]model.Stat)
	b.today = model.TodayStat{}
}

// Cache is the process-wide hot aggregate, partitioned per backend.
type Cache struct {
	buckets *xsync.Map[string, *backendBucket]
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{buckets: xsync.NewMap[string, *backendBucket]()}
}

func (c *Cache) bucket(backendID string) *backendBucket {
	b, _ := c.buckets.LoadOrCompute(backendID, func() (*backendBucket, bool) {
		return newBackendBucket(), false
	})
	return b
}

// Apply merges one delta into every dimension its identity names.
// Connection count increments only on the first sighting of a connection.
func (c *Cache) Apply(backendID string, d model.Delta) {
	bucket := model.HourBucket(d.At)
	stat := model.Stat{
		Upload:   d.Upload,
		Download: d.Download,
		LastSeen: d.At.Unix(),
	}
	if d.IsNew {
		stat.Connections = 1
	}
	id := d.Identity

	b := c.bucket(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hourly[bucket]
	h.Add(stat)
	b.hourly[bucket] = h

	day := model.DayStart(d.At)
	if day != b.todayDay {
		b.todayDay = day
		b.today = model.TodayStat{}
	}
	b.today.Upload += d.Upload
	b.today.Download += d.Download

	if id.Host != "" {
		k := domainKey{Host: id.Host, Bucket: bucket}
		v := b.domains[k]
		if v == nil {
			v = &domainVal{
				RootDomain: id.RootDomain,
				IPs:        make(map[string]struct{}),
				Chains:     make(map[string]struct{}),
			}
			b.domains[k] = v
		}
		v.Add(stat)
		if id.DestinationIP != "" {
			v.IPs[id.DestinationIP] = struct{}{}
		}
		if id.Chain != "" {
			v.Chains[id.Chain] = struct{}{}
		}
	}

	if id.DestinationIP != "" {
		k := ipKey{IP: id.DestinationIP, Bucket: bucket}
		v := b.ips[k]
		if v == nil {
			v = &ipVal{
				Domains:     make(map[string]struct{}),
				Chains:      make(map[string]struct{}),
				CountryCode: id.CountryCode,
				Location:    id.Location,
			}
			b.ips[k] = v
		}
		v.Add(stat)
		if id.Host != "" {
			v.Domains[id.Host] = struct{}{}
		}
		if id.Chain != "" {
			v.Chains[id.Chain] = struct{}{}
		}
	}

	if id.Chain != "" {
		addStat(b.proxies, chainKey{Chain: id.Chain, Bucket: bucket}, stat)
	}
	if id.Rule != "" {
		addStat(b.rules, ruleKey{Rule: id.Rule, Bucket: bucket}, stat)
	}
	if id.SourceIP != "" {
		addStat(b.devices, deviceKey{SourceIP: id.SourceIP, Bucket: bucket}, stat)
	}
	if id.CountryCode != "" {
		addStat(b.countries, countryKey{CountryCode: id.CountryCode, Bucket: bucket}, stat)
	}

	if id.Host != "" && id.Chain != "" {
		addStat(b.domainChains, domainChainKey{Host: id.Host, Chain: id.Chain, SourceIP: id.SourceIP, Bucket: bucket}, stat)
	}
	if id.DestinationIP != "" && id.Host != "" {
		addStat(b.ipDomains, ipDomainKey{IP: id.DestinationIP, Host: id.Host, Bucket: bucket}, stat)
	}
	if id.DestinationIP != "" && id.Chain != "" {
		addStat(b.ipChains, ipChainKey{IP: id.DestinationIP, Chain: id.Chain, SourceIP: id.SourceIP, Bucket: bucket}, stat)
	}
	if id.Rule != "" && id.Host != "" && id.Chain != "" {
		addStat(b.ruleDomainChains, ruleDomainChainKey{Rule: id.Rule, Host: id.Host, Chain: id.Chain, Bucket: bucket}, stat)
	}
}

func addStat[K comparable](m map[K]model.Stat, k K, s model.Stat) {
	v := m[k]
	v.Add(s)
	m[k] = v
}

// Drain atomically snapshots and clears one backend's pending deltas.
// Only the flusher calls this; the clear is what makes a replayed flush
// unable to double-count.
func (c *Cache) Drain(backendID string) *model.FlushBatch {
	b, ok := c.buckets.Load(backendID)
	if !ok {
		return &model.FlushBatch{BackendID: backendID}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	batch := &model.FlushBatch{BackendID: backendID}
	for bucket, st := range b.hourly {
		batch.Hourly = append(batch.Hourly, model.HourlyRow{BackendID: backendID, Bucket: bucket, Stat: st})
	}
	for k, v := range b.domains {
		batch.Domains = append(batch.Domains, model.DomainRow{
			BackendID:  backendID,
			Host:       k.Host,
			RootDomain: v.RootDomain,
			Bucket:     k.Bucket,
			IPsSeen:    setSlice(v.IPs),
			ChainsSeen: setSlice(v.Chains),
			Stat:       v.Stat,
		})
	}
	for k, v := range b.ips {
		batch.IPs = append(batch.IPs, model.IPRow{
			BackendID:   backendID,
			IP:          k.IP,
			Bucket:      k.Bucket,
			DomainsSeen: setSlice(v.Domains),
			ChainsSeen:  setSlice(v.Chains),
			CountryCode: v.CountryCode,
			Location:    v.Location,
			Stat:        v.Stat,
		})
	}
	for k, st := range b.proxies {
		batch.Proxies = append(batch.Proxies, model.ProxyRow{BackendID: backendID, Chain: k.Chain, Bucket: k.Bucket, Stat: st})
	}
	for k, st := range b.rules {
		batch.Rules = append(batch.Rules, model.RuleRow{BackendID: backendID, Rule: k.Rule, Bucket: k.Bucket, Stat: st})
	}
	for k, st := range b.devices {
		batch.Devices = append(batch.Devices, model.DeviceRow{BackendID: backendID, SourceIP: k.SourceIP, Bucket: k.Bucket, Stat: st})
	}
	for k, st := range b.countries {
		batch.Countries = append(batch.Countries, model.CountryRow{BackendID: backendID, CountryCode: k.CountryCode, Bucket: k.Bucket, Stat: st})
	}
	for k, st := range b.domainChains {
		batch.DomainChains = append(batch.DomainChains, model.DomainChainRow{BackendID: backendID, Host: k.Host, Chain: k.Chain, SourceIP: k.SourceIP, Bucket: k.Bucket, Stat: st})
	}
	for k, st := range b.ipDomains {
		batch.IPDomains = append(batch.IPDomains, model.IPDomainRow{BackendID: backendID, IP: k.IP, Host: k.Host, Bucket: k.Bucket, Stat: st})
	}
	for k, st := range b.ipChains {
		batch.IPChains = append(batch.IPChains, model.IPChainRow{BackendID: backendID, IP: k.IP, Chain: k.Chain, SourceIP: k.SourceIP, Bucket: k.Bucket, Stat: st})
	}
	for k, st := range b.ruleDomainChains {
		batch.RuleDomainChains = append(batch.RuleDomainChains, model.RuleDomainChainRow{BackendID: backendID, Rule: k.Rule, Host: k.Host, Chain: k.Chain, Bucket: k.Bucket, Stat: st})
	}

	b.reset()
	return batch
}

func setSlice(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Reapply merges a failed dimension's rows back into the cache so the
// next flush retries them. The flusher passes only the dimensions whose
// transaction did not commit.
func (c *Cache) Reapply(batch *model.FlushBatch) {
	if batch == nil || batch.Empty() {
		return
	}
	b := c.bucket(batch.BackendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range batch.Hourly {
		st := b.hourly[r.Bucket]
		st.Add(r.Stat)
		b.hourly[r.Bucket] = st
	}
	for _, r := range batch.Domains {
		k := domainKey{Host: r.Host, Bucket: r.Bucket}
		v := b.domains[k]
		if v == nil {
			v = &domainVal{RootDomain: r.RootDomain, IPs: make(map[string]struct{}), Chains: make(map[string]struct{})}
			b.domains[k] = v
		}
		v.Add(r.Stat)
		for _, ip := range r.IPsSeen {
			v.IPs[ip] = struct{}{}
		}
		for _, ch := range r.ChainsSeen {
			v.Chains[ch] = struct{}{}
		}
	}
	for _, r := range batch.IPs {
		k := ipKey{IP: r.IP, Bucket: r.Bucket}
		v := b.ips[k]
		if v == nil {
			v = &ipVal{Domains: make(map[string]struct{}), Chains: make(map[string]struct{}), CountryCode: r.CountryCode, Location: r.Location}
			b.ips[k] = v
		}
		v.Add(r.Stat)
		for _, h := range r.DomainsSeen {
			v.Domains[h] = struct{}{}
		}
		for _, ch := range r.ChainsSeen {
			v.Chains[ch] = struct{}{}
		}
	}
	for _, r := range batch.Proxies {
		addStat(b.proxies, chainKey{Chain: r.Chain, Bucket: r.Bucket}, r.Stat)
	}
	for _, r := range batch.Rules {
		addStat(b.rules, ruleKey{Rule: r.Rule, Bucket: r.Bucket}, r.Stat)
	}
	for _, r := range batch.Devices {
		addStat(b.devices, deviceKey{SourceIP: r.SourceIP, Bucket: r.Bucket}, r.Stat)
	}
	for _, r := range batch.Countries {
		addStat(b.countries, countryKey{CountryCode: r.CountryCode, Bucket: r.Bucket}, r.Stat)
	}
	for _, r := range batch.DomainChains {
		addStat(b.domainChains, domainChainKey{Host: r.Host, Chain: r.Chain, SourceIP: r.SourceIP, Bucket: r.Bucket}, r.Stat)
	}
	for _, r := range batch.IPDomains {
		addStat(b.ipDomains, ipDomainKey{IP: r.IP, Host: r.Host, Bucket: r.Bucket}, r.Stat)
	}
	for _, r := range batch.IPChains {
		addStat(b.ipChains, ipChainKey{IP: r.IP, Chain: r.Chain, SourceIP: r.SourceIP, Bucket: r.Bucket}, r.Stat)
	}
	for _, r := range batch.RuleDomainChains {
		addStat(b.ruleDomainChains, ruleDomainChainKey{Rule: r.Rule, Host: r.Host, Chain: r.Chain, Bucket: r.Bucket}, r.Stat)
	}
}

// ClearBackend wipes one backend's pending state without flushing. Used
// on data clear and backend delete.
func (c *Cache) ClearBackend(backendID string) {
	if b, ok := c.buckets.Load(backendID); ok {
		b.mu.Lock()
		b.reset()
		b.mu.Unlock()
	}
}

// Backends lists backend ids currently holding pending deltas.
func (c *Cache) Backends() []string {
	var out []string
	c.buckets.Range(func(id string, b *backendBucket) bool {
		b.mu.Lock()
		empty := len(b.hourly) == 0 && len(b.domains) == 0 && len(b.ips) == 0 &&
			len(b.proxies) == 0 && len(b.rules) == 0 && len(b.devices) == 0 &&
			len(b.countries) == 0 && len(b.domainChains) == 0 &&
			len(b.ipDomains) == 0 && len(b.ipChains) == 0 &&
			len(b.ruleDomainChains) == 0
		b.mu.Unlock()
		if !empty {
			out = append(out, id)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// TodayDelta returns the pending since-UTC-midnight totals.
func (c *Cache) TodayDelta(backendID string) model.TodayStat {
	b, ok := c.buckets.Load(backendID)
	if !ok {
		return model.TodayStat{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.todayDay != model.DayStart(time.Now()) {
		return model.TodayStat{}
	}
	return b.today
}
