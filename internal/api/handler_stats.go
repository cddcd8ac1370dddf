package api

import (
	"net/http"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

// HandleSummary serves totals, tops, breakdowns, the hourly series, and
// today for one backend, overlaying pending deltas for now-ish windows.
func HandleSummary(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		sum, err := d.Store.QuerySummary(backend.ID, tr)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if d.overlay(tr) {
			d.Cache.ApplySummary(&sum)
		}
		WriteJSON(w, http.StatusOK, sum)
	})
}

// HandleGlobal serves persisted totals across all backends; never
// overlaid.
func HandleGlobal(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g, err := d.Store.QueryGlobal()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	})
}

// HandleDomainList serves the paginated domain listing; store data only.
func HandleDomainList(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		page, err := d.Store.ListDomainStats(backend.ID, tr, parseListParams(r))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	})
}

// HandleIPList serves the paginated destination-ip listing.
func HandleIPList(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		page, err := d.Store.ListIPStats(backend.ID, tr, parseListParams(r))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	})
}

// HandleDomainProxyStats drills one host down by chain, optionally
// filtered by source device or chain.
func HandleDomainProxyStats(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		host, err := requireParam(r, "host")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		q := r.URL.Query()
		stats, err := d.Store.DomainProxyStats(backend.ID, host, q.Get("sourceIP"), q.Get("sourceChain"), tr)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	})
}

// HandleDomainIPDetails lists the destination ips behind one host, with
// geo attribution.
func HandleDomainIPDetails(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		host, err := requireParam(r, "host")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		details, err := d.Store.DomainIPDetails(backend.ID, host, tr, parseLimit(r, 50))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, details)
	})
}

// HandleIPProxyStats drills one destination ip down by chain.
func HandleIPProxyStats(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		ip, err := requireParam(r, "ip")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		q := r.URL.Query()
		stats, err := d.Store.IPProxyStats(backend.ID, ip, q.Get("sourceIP"), q.Get("sourceChain"), tr)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	})
}

// HandleIPDomainDetails lists the hosts observed on one destination ip.
func HandleIPDomainDetails(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		ip, err := requireParam(r, "ip")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		details, err := d.Store.IPDomainDetails(backend.ID, ip, tr, parseLimit(r, 50))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, details)
	})
}

// proxyTotalsResponse carries one chain's window totals.
type proxyTotalsResponse struct {
	Chain string `json:"chain"`
	model.Stat
	Overlaid bool `json:"overlaid"`
}

// HandleProxyTotals serves one chain's totals, overlaid for now-ish
// windows.
func HandleProxyTotals(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		chain, err := requireParam(r, "chain")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		st, err := d.Store.ProxyTotals(backend.ID, chain, tr)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		resp := proxyTotalsResponse{Chain: chain, Stat: st}
		if d.overlay(tr) {
			merged := d.Cache.MergeProxyStats(backend.ID, []model.KeyedStat{{Key: chain, Stat: st}}, 0)
			for _, k := range merged {
				if k.Key == chain {
					resp.Stat = k.Stat
					break
				}
			}
			resp.Overlaid = true
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

// HandleProxyDomains lists hosts routed through one chain.
func HandleProxyDomains(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		chain, err := requireParam(r, "chain")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		domains, err := d.Store.ProxyDomains(backend.ID, chain, tr, parseLimit(r, 50))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, domains)
	})
}

// HandleProxyIPs lists destination ips routed through one chain.
func HandleProxyIPs(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		chain, err := requireParam(r, "chain")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		ips, err := d.Store.ProxyIPs(backend.ID, chain, tr, parseLimit(r, 50))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ips)
	})
}

// HandleRuleList serves per-rule aggregates, overlaid for now-ish windows.
func HandleRuleList(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		rules, err := d.Store.RuleStats(backend.ID, tr, parseLimit(r, 100))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if d.overlay(tr) {
			rules = d.Cache.MergeRuleStats(backend.ID, rules, 0)
		}
		WriteJSON(w, http.StatusOK, rules)
	})
}

// HandleRuleDomains lists hosts matched by one rule.
func HandleRuleDomains(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		rule, err := requireParam(r, "rule")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		domains, err := d.Store.RuleDomains(backend.ID, rule, tr, parseLimit(r, 50))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, domains)
	})
}

// HandleRuleChains lists the chains that served one rule.
func HandleRuleChains(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		rule, err := requireParam(r, "rule")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		chains, err := d.Store.RuleChains(backend.ID, rule, tr, parseLimit(r, 50))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, chains)
	})
}

// HandleCountryStats serves per-country aggregates, overlaid for now-ish
// windows.
func HandleCountryStats(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		countries, err := d.Store.CountryStats(backend.ID, tr)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if d.overlay(tr) {
			countries = d.Cache.MergeCountryStats(backend.ID, countries, 0)
		}
		WriteJSON(w, http.StatusOK, countries)
	})
}

// HandleDeviceStats serves per-source-device aggregates.
func HandleDeviceStats(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		devices, err := d.Store.DeviceStats(backend.ID, tr)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if d.overlay(tr) {
			devices = d.Cache.MergeDeviceStats(backend.ID, devices, 0)
		}
		WriteJSON(w, http.StatusOK, devices)
	})
}

// HandleHourly serves hour buckets, overlaid for now-ish windows.
func HandleHourly(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		points, err := d.Store.HourlyStats(backend.ID, tr)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if d.overlay(tr) {
			points = d.Cache.MergeTrend(backend.ID, points, time.Hour)
		}
		WriteJSON(w, http.StatusOK, points)
	})
}

// trendWindow reads window/bucket minute parameters with defaults of one
// day and one hour.
func trendWindow(r *http.Request) (window, step time.Duration) {
	q := r.URL.Query()
	window = 24 * time.Hour
	step = time.Hour
	if n := q.Get("window"); n != "" {
		if mins, err := time.ParseDuration(n + "m"); err == nil && mins > 0 {
			window = mins
		}
	}
	if n := q.Get("bucket"); n != "" {
		if mins, err := time.ParseDuration(n + "m"); err == nil && mins > 0 {
			step = mins
		}
	}
	return window, step
}

// HandleTrend serves one backend's trailing time series.
func HandleTrend(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		window, step := trendWindow(r)

		points, err := d.Store.Trend(backend.ID, window, step)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		points = d.Cache.MergeTrend(backend.ID, points, step)
		WriteJSON(w, http.StatusOK, points)
	})
}

// HandleTrendAggregated serves the cross-backend trailing time series.
func HandleTrendAggregated(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		window, step := trendWindow(r)

		points, err := d.Store.TrendAggregated(window, step)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		for _, backendID := range d.Cache.Backends() {
			points = d.Cache.MergeTrend(backendID, points, step)
		}
		WriteJSON(w, http.StatusOK, points)
	})
}

// HandleConnections serves closed-connection records, newest first.
func HandleConnections(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, err := resolveBackend(d.Store, r)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		tr, err := parseTimeRange(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		p := parseListParams(r)
		page, err := d.Store.ListConnections(backend.ID, tr, p.Offset, p.Limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	})
}
