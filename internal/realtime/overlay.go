package realtime

import (
	"sort"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

// snapshot collapses one backend's pending state across buckets into
// per-key aggregates, copied out under the lock so merging happens
// without holding it.
type snapshot struct {
	totals    model.Stat
	hourly    map[int64]model.Stat
	domains   map[string]model.DomainAgg
	ips       map[string]model.IPAgg
	proxies   map[string]model.Stat
	rules     map[string]model.Stat
	devices   map[string]model.Stat
	countries map[string]model.Stat
	today     model.TodayStat
}

func (c *Cache) snapshot(backendID string) snapshot {
	snap := snapshot{
		hourly:    map[int64]model.Stat{},
		domains:   map[string]model.DomainAgg{},
		ips:       map[string]model.IPAgg{},
		proxies:   map[string]model.Stat{},
		rules:     map[string]model.Stat{},
		devices:   map[string]model.Stat{},
		countries: map[string]model.Stat{},
	}
	b, ok := c.buckets.Load(backendID)
	if !ok {
		return snap
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for bucket, st := range b.hourly {
		snap.totals.Add(st)
		h := snap.hourly[bucket]
		h.Add(st)
		snap.hourly[bucket] = h
	}
	for k, v := range b.domains {
		d := snap.domains[k.Host]
		d.Host = k.Host
		if d.RootDomain == "" {
			d.RootDomain = v.RootDomain
		}
		d.Add(v.Stat)
		snap.domains[k.Host] = d
	}
	for k, v := range b.ips {
		ip := snap.ips[k.IP]
		ip.IP = k.IP
		if ip.CountryCode == "" {
			ip.CountryCode = v.CountryCode
			ip.Location = v.Location
		}
		ip.Add(v.Stat)
		snap.ips[k.IP] = ip
	}
	for k, st := range b.proxies {
		v := snap.proxies[k.Chain]
		v.Add(st)
		snap.proxies[k.Chain] = v
	}
	for k, st := range b.rules {
		v := snap.rules[k.Rule]
		v.Add(st)
		snap.rules[k.Rule] = v
	}
	for k, st := range b.devices {
		v := snap.devices[k.SourceIP]
		v.Add(st)
		snap.devices[k.SourceIP] = v
	}
	for k, st := range b.countries {
		v := snap.countries[k.CountryCode]
		v.Add(st)
		snap.countries[k.CountryCode] = v
	}
	if b.todayDay == model.DayStart(time.Now()) {
		snap.today = b.today
	}
	return snap
}

// ApplySummary overlays pending deltas onto a store-built summary:
// totals, tops, breakdowns, the hourly series, and today.
func (c *Cache) ApplySummary(sum *model.Summary) {
	snap := c.snapshot(sum.BackendID)

	sum.TotalUpload += snap.totals.Upload
	sum.TotalDownload += snap.totals.Download
	sum.TotalConnections += snap.totals.Connections
	sum.Today.Upload += snap.today.Upload
	sum.Today.Download += snap.today.Download

	sum.TopDomains = mergeDomains(sum.TopDomains, snap.domains, 10)
	sum.TopIPs = mergeIPs(sum.TopIPs, snap.ips, 10)
	sum.ProxyStats = mergeKeyed(sum.ProxyStats, snap.proxies, 0)
	sum.RuleStats = mergeKeyed(sum.RuleStats, snap.rules, 0)
	sum.HourlyStats = mergeTrendPoints(sum.HourlyStats, snap.hourly, 3600)
	sum.Overlaid = true
}

// MergeTopDomains overlays cached domain aggregates onto a DB-sorted
// list, re-sorts by download, and truncates to topN (0 keeps all).
func (c *Cache) MergeTopDomains(backendID string, base []model.DomainAgg, topN int) []model.DomainAgg {
	return mergeDomains(base, c.snapshot(backendID).domains, topN)
}

// MergeTopIPs overlays cached ip aggregates onto a DB-sorted list.
func (c *Cache) MergeTopIPs(backendID string, base []model.IPAgg, topN int) []model.IPAgg {
	return mergeIPs(base, c.snapshot(backendID).ips, topN)
}

// MergeProxyStats overlays cached chain aggregates.
func (c *Cache) MergeProxyStats(backendID string, base []model.KeyedStat, topN int) []model.KeyedStat {
	return mergeKeyed(base, c.snapshot(backendID).proxies, topN)
}

// MergeRuleStats overlays cached rule aggregates.
func (c *Cache) MergeRuleStats(backendID string, base []model.KeyedStat, topN int) []model.KeyedStat {
	return mergeKeyed(base, c.snapshot(backendID).rules, topN)
}

// MergeCountryStats overlays cached country aggregates.
func (c *Cache) MergeCountryStats(backendID string, base []model.KeyedStat, topN int) []model.KeyedStat {
	return mergeKeyed(base, c.snapshot(backendID).countries, topN)
}

// MergeDeviceStats overlays cached source-device aggregates.
func (c *Cache) MergeDeviceStats(backendID string, base []model.KeyedStat, topN int) []model.KeyedStat {
	return mergeKeyed(base, c.snapshot(backendID).devices, topN)
}

// MergeTrend overlays the cached hourly series onto store trend buckets
// of the given step. Cached hours land in the step bucket containing them.
func (c *Cache) MergeTrend(backendID string, base []model.TrendPoint, step time.Duration) []model.TrendPoint {
	stepSec := int64(step / time.Second)
	if stepSec < 3600 {
		stepSec = 3600
	}
	return mergeTrendPoints(base, c.snapshot(backendID).hourly, stepSec)
}

func mergeDomains(base []model.DomainAgg, pending map[string]model.DomainAgg, topN int) []model.DomainAgg {
	if len(pending) == 0 {
		return truncDomains(base, topN)
	}
	merged := make(map[string]model.DomainAgg, len(base)+len(pending))
	for _, d := range base {
		merged[d.Host] = d
	}
	for host, p := range pending {
		d, ok := merged[host]
		if !ok {
			merged[host] = p
			continue
		}
		if d.RootDomain == "" {
			d.RootDomain = p.RootDomain
		}
		d.Add(p.Stat)
		merged[host] = d
	}
	out := make([]model.DomainAgg, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Download > out[j].Download })
	return truncDomains(out, topN)
}

func truncDomains(s []model.DomainAgg, topN int) []model.DomainAgg {
	if topN > 0 && len(s) > topN {
		return s[:topN]
	}
	return s
}

func mergeIPs(base []model.IPAgg, pending map[string]model.IPAgg, topN int) []model.IPAgg {
	if len(pending) == 0 {
		return truncIPs(base, topN)
	}
	merged := make(map[string]model.IPAgg, len(base)+len(pending))
	for _, ip := range base {
		merged[ip.IP] = ip
	}
	for key, p := range pending {
		ip, ok := merged[key]
		if !ok {
			merged[key] = p
			continue
		}
		if ip.CountryCode == "" {
			ip.CountryCode = p.CountryCode
			ip.Location = p.Location
		}
		ip.Add(p.Stat)
		merged[key] = ip
	}
	out := make([]model.IPAgg, 0, len(merged))
	for _, ip := range merged {
		out = append(out, ip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Download > out[j].Download })
	return truncIPs(out, topN)
}

func truncIPs(s []model.IPAgg, topN int) []model.IPAgg {
	if topN > 0 && len(s) > topN {
		return s[:topN]
	}
	return s
}

func mergeKeyed(base []model.KeyedStat, pending map[string]model.Stat, topN int) []model.KeyedStat {
	if len(pending) == 0 {
		if topN > 0 && len(base) > topN {
			return base[:topN]
		}
		return base
	}
	merged := make(map[string]model.KeyedStat, len(base)+len(pending))
	for _, k := range base {
		merged[k.Key] = k
	}
	for key, p := range pending {
		k, ok := merged[key]
		if !ok {
			merged[key] = model.KeyedStat{Key: key, Stat: p}
			continue
		}
		k.Add(p)
		merged[key] = k
	}
	out := make([]model.KeyedStat, 0, len(merged))
	for _, k := range merged {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Download > out[j].Download })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

func mergeTrendPoints(base []model.TrendPoint, hourly map[int64]model.Stat, stepSec int64) []model.TrendPoint {
	if len(hourly) == 0 {
		return base
	}
	merged := make(map[int64]model.TrendPoint, len(base)+len(hourly))
	for _, p := range base {
		merged[p.Bucket] = p
	}
	for hour, st := range hourly {
		grp := (hour / stepSec) * stepSec
		p := merged[grp]
		p.Bucket = grp
		p.Upload += st.Upload
		p.Download += st.Download
		p.Connections += st.Connections
		merged[grp] = p
	}
	out := make([]model.TrendPoint, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
