package store

import (
	"fmt"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

// TimeRange is an optional half-open [Start, End) window applied against
// bucket values. A nil *TimeRange spans all time.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// windowSQL renders the bucket window predicate for a nil-able range.
// The returned clause starts with " AND" so it can be appended to an
// existing WHERE.
func windowSQL(tr *TimeRange) (string, []any) {
	if tr == nil {
		return "", nil
	}
	return " AND bucket >= ? AND bucket < ?", []any{tr.Start.Unix(), tr.End.Unix()}
}

// ListParams controls pagination for the domain/ip list endpoints.
type ListParams struct {
	Offset    int
	Limit     int
	SortBy    string
	SortOrder string
	Search    string
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
	summaryTopN      = 10
	summaryListN     = 50
)

func (p ListParams) clamp() ListParams {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	if p.Limit > maxListLimit {
		p.Limit = maxListLimit
	}
	return p
}

// orderClause maps a caller-supplied sort to a whitelisted SQL expression.
// Unknown columns fall back to total download descending.
func orderClause(sortBy, sortOrder, keyCol string) string {
	cols := map[string]string{
		"upload":           "SUM(upload)",
		"totalUpload":      "SUM(upload)",
		"download":         "SUM(download)",
		"totalDownload":    "SUM(download)",
		"connections":      "SUM(connections)",
		"totalConnections": "SUM(connections)",
		"lastSeen":         "MAX(last_seen)",
		keyCol:             keyCol,
	}
	expr, ok := cols[sortBy]
	if !ok {
		return "SUM(download) DESC"
	}
	dir := "DESC"
	if sortOrder == "asc" {
		dir = "ASC"
	}
	return expr + " " + dir
}

// QuerySummary builds the persisted portion of the summary response:
// window totals, top domains and ips, proxy and rule breakdowns, the last
// 24 hourly buckets, and the since-UTC-midnight total.
func (s *Store) QuerySummary(backendID string, tr *TimeRange) (model.Summary, error) {
	sum := model.Summary{BackendID: backendID}
	win, winArgs := windowSQL(tr)

	args := append([]any{backendID}, winArgs...)
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(upload),0), COALESCE(SUM(download),0), COALESCE(SUM(connections),0)
		 FROM hourly_stats WHERE backend_id = ?`+win, args...,
	).Scan(&sum.TotalUpload, &sum.TotalDownload, &sum.TotalConnections)
	if err != nil {
		return sum, fmt.Errorf("summary totals: %w", err)
	}

	if sum.TopDomains, err = s.topDomains(backendID, tr, summaryTopN); err != nil {
		return sum, err
	}
	if sum.TopIPs, err = s.topIPs(backendID, tr, summaryTopN); err != nil {
		return sum, err
	}
	if sum.ProxyStats, err = s.keyedStats("proxy_stats", "chain", backendID, tr, summaryListN); err != nil {
		return sum, err
	}
	if sum.RuleStats, err = s.keyedStats("rule_stats", "rule", backendID, tr, summaryListN); err != nil {
		return sum, err
	}

	now := time.Now()
	if sum.HourlyStats, err = s.HourlyStats(backendID, &TimeRange{Start: now.Add(-24 * time.Hour), End: now.Add(time.Hour)}); err != nil {
		return sum, err
	}

	err = s.db.QueryRow(
		`SELECT COALESCE(SUM(upload),0), COALESCE(SUM(download),0)
		 FROM hourly_stats WHERE backend_id = ? AND bucket >= ?`,
		backendID, model.DayStart(now),
	).Scan(&sum.Today.Upload, &sum.Today.Download)
	if err != nil {
		return sum, fmt.Errorf("summary today: %w", err)
	}
	return sum, nil
}

// QueryGlobal sums persisted hourly aggregates across every backend.
func (s *Store) QueryGlobal() (model.GlobalStats, error) {
	var g model.GlobalStats
	rows, err := s.db.Query(
		`SELECT b.id, b.name,
			COALESCE(SUM(h.upload),0), COALESCE(SUM(h.download),0), COALESCE(SUM(h.connections),0)
		 FROM backends b
		 LEFT JOIN hourly_stats h ON h.backend_id = b.id
		 GROUP BY b.id, b.name
		 ORDER BY SUM(h.download) DESC`)
	if err != nil {
		return g, fmt.Errorf("global stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t model.BackendTotals
		if err := rows.Scan(&t.BackendID, &t.Name, &t.Upload, &t.Download, &t.Connections); err != nil {
			return g, fmt.Errorf("scan global row: %w", err)
		}
		g.TotalUpload += t.Upload
		g.TotalDownload += t.Download
		g.TotalConnections += t.Connections
		g.Backends = append(g.Backends, t)
	}
	return g, rows.Err()
}

// ListDomainStats returns a window-aggregated, paginated domain listing.
func (s *Store) ListDomainStats(backendID string, tr *TimeRange, p ListParams) (model.Page[model.DomainAgg], error) {
	p = p.clamp()
	var page model.Page[model.DomainAgg]
	win, winArgs := windowSQL(tr)

	where := "backend_id = ?" + win
	args := append([]any{backendID}, winArgs...)
	if p.Search != "" {
		where += " AND host LIKE ?"
		args = append(args, "%"+p.Search+"%")
	}

	err := s.db.QueryRow(
		"SELECT COUNT(DISTINCT host) FROM domain_stats WHERE "+where, args...,
	).Scan(&page.Total)
	if err != nil {
		return page, fmt.Errorf("count domains: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT host, COALESCE(MAX(root_domain),''),
			SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM domain_stats WHERE %s
		 GROUP BY host ORDER BY %s LIMIT ? OFFSET ?`,
		where, orderClause(p.SortBy, p.SortOrder, "host"))
	rows, err := s.db.Query(query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return page, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	page.Data = []model.DomainAgg{}
	for rows.Next() {
		var d model.DomainAgg
		if err := rows.Scan(&d.Host, &d.RootDomain, &d.Upload, &d.Download, &d.Connections, &d.LastSeen); err != nil {
			return page, fmt.Errorf("scan domain row: %w", err)
		}
		page.Data = append(page.Data, d)
	}
	return page, rows.Err()
}

// ListIPStats returns a window-aggregated, paginated destination-ip listing.
func (s *Store) ListIPStats(backendID string, tr *TimeRange, p ListParams) (model.Page[model.IPAgg], error) {
	p = p.clamp()
	var page model.Page[model.IPAgg]
	win, winArgs := windowSQL(tr)

	where := "backend_id = ?" + win
	args := append([]any{backendID}, winArgs...)
	if p.Search != "" {
		where += " AND ip LIKE ?"
		args = append(args, "%"+p.Search+"%")
	}

	err := s.db.QueryRow(
		"SELECT COUNT(DISTINCT ip) FROM ip_stats WHERE "+where, args...,
	).Scan(&page.Total)
	if err != nil {
		return page, fmt.Errorf("count ips: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT ip, COALESCE(MAX(country_code),''), COALESCE(MAX(location),''),
			SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM ip_stats WHERE %s
		 GROUP BY ip ORDER BY %s LIMIT ? OFFSET ?`,
		where, orderClause(p.SortBy, p.SortOrder, "ip"))
	rows, err := s.db.Query(query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return page, fmt.Errorf("list ips: %w", err)
	}
	defer rows.Close()

	page.Data = []model.IPAgg{}
	for rows.Next() {
		var ip model.IPAgg
		if err := rows.Scan(&ip.IP, &ip.CountryCode, &ip.Location, &ip.Upload, &ip.Download, &ip.Connections, &ip.LastSeen); err != nil {
			return page, fmt.Errorf("scan ip row: %w", err)
		}
		page.Data = append(page.Data, ip)
	}
	return page, rows.Err()
}

// DomainProxyStats answers the per-domain chain drill-down from the
// (host, chain, source_ip) join table.
func (s *Store) DomainProxyStats(backendID, host, sourceIP, sourceChain string, tr *TimeRange) ([]model.KeyedStat, error) {
	win, winArgs := windowSQL(tr)
	where := "backend_id = ? AND host = ?" + win
	args := append([]any{backendID, host}, winArgs...)
	if sourceIP != "" {
		where += " AND source_ip = ?"
		args = append(args, sourceIP)
	}
	if sourceChain != "" {
		where += " AND chain = ?"
		args = append(args, sourceChain)
	}
	return s.scanKeyed(fmt.Sprintf(
		`SELECT chain, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM domain_chain_stats WHERE %s GROUP BY chain ORDER BY SUM(download) DESC`, where), args)
}

// DomainIPDetails lists the destination ips observed for one host, with
// geo attribution pulled from ip_stats.
func (s *Store) DomainIPDetails(backendID, host string, tr *TimeRange, limit int) ([]model.IPAgg, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID, host}, winArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT d.ip,
			COALESCE((SELECT country_code FROM ip_stats i WHERE i.backend_id = d.backend_id AND i.ip = d.ip AND i.country_code != '' LIMIT 1), ''),
			COALESCE((SELECT location FROM ip_stats i WHERE i.backend_id = d.backend_id AND i.ip = d.ip AND i.location != '' LIMIT 1), ''),
			SUM(d.upload), SUM(d.download), SUM(d.connections), MAX(d.last_seen)
		 FROM ip_domain_stats d WHERE d.backend_id = ? AND d.host = ?%s
		 GROUP BY d.ip ORDER BY SUM(d.download) DESC LIMIT ?`, win), args...)
	if err != nil {
		return nil, fmt.Errorf("domain ip details: %w", err)
	}
	defer rows.Close()

	var out []model.IPAgg
	for rows.Next() {
		var ip model.IPAgg
		if err := rows.Scan(&ip.IP, &ip.CountryCode, &ip.Location, &ip.Upload, &ip.Download, &ip.Connections, &ip.LastSeen); err != nil {
			return nil, fmt.Errorf("scan ip detail: %w", err)
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// IPProxyStats answers the per-ip chain drill-down from the
// (ip, chain, source_ip) join table.
func (s *Store) IPProxyStats(backendID, ip, sourceIP, sourceChain string, tr *TimeRange) ([]model.KeyedStat, error) {
	win, winArgs := windowSQL(tr)
	where := "backend_id = ? AND ip = ?" + win
	args := append([]any{backendID, ip}, winArgs...)
	if sourceIP != "" {
		where += " AND source_ip = ?"
		args = append(args, sourceIP)
	}
	if sourceChain != "" {
		where += " AND chain = ?"
		args = append(args, sourceChain)
	}
	return s.scanKeyed(fmt.Sprintf(
		`SELECT chain, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM ip_chain_stats WHERE %s GROUP BY chain ORDER BY SUM(download) DESC`, where), args)
}

// IPDomainDetails lists the hosts observed resolving to one destination ip.
func (s *Store) IPDomainDetails(backendID, ip string, tr *TimeRange, limit int) ([]model.DomainAgg, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID, ip}, winArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT host, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM ip_domain_stats WHERE backend_id = ? AND ip = ?%s
		 GROUP BY host ORDER BY SUM(download) DESC LIMIT ?`, win), args...)
	if err != nil {
		return nil, fmt.Errorf("ip domain details: %w", err)
	}
	defer rows.Close()

	var out []model.DomainAgg
	for rows.Next() {
		var d model.DomainAgg
		if err := rows.Scan(&d.Host, &d.Upload, &d.Download, &d.Connections, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("scan domain detail: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ProxyTotals sums one chain's aggregates over the window.
func (s *Store) ProxyTotals(backendID, chain string, tr *TimeRange) (model.Stat, error) {
	var st model.Stat
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID, chain}, winArgs...)
	err := s.db.QueryRow(fmt.Sprintf(
		`SELECT COALESCE(SUM(upload),0), COALESCE(SUM(download),0), COALESCE(SUM(connections),0), COALESCE(MAX(last_seen),0)
		 FROM proxy_stats WHERE backend_id = ? AND chain = ?%s`, win), args...,
	).Scan(&st.Upload, &st.Download, &st.Connections, &st.LastSeen)
	if err != nil {
		return st, fmt.Errorf("proxy totals: %w", err)
	}
	return st, nil
}

// ProxyDomains lists the hosts routed through one chain.
func (s *Store) ProxyDomains(backendID, chain string, tr *TimeRange, limit int) ([]model.DomainAgg, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID, chain}, winArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT host, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM domain_chain_stats WHERE backend_id = ? AND chain = ?%s
		 GROUP BY host ORDER BY SUM(download) DESC LIMIT ?`, win), args...)
	if err != nil {
		return nil, fmt.Errorf("proxy domains: %w", err)
	}
	defer rows.Close()

	var out []model.DomainAgg
	for rows.Next() {
		var d model.DomainAgg
		if err := rows.Scan(&d.Host, &d.Upload, &d.Download, &d.Connections, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("scan proxy domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ProxyIPs lists the destination ips routed through one chain.
func (s *Store) ProxyIPs(backendID, chain string, tr *TimeRange, limit int) ([]model.IPAgg, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID, chain}, winArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT ip, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM ip_chain_stats WHERE backend_id = ? AND chain = ?%s
		 GROUP BY ip ORDER BY SUM(download) DESC LIMIT ?`, win), args...)
	if err != nil {
		return nil, fmt.Errorf("proxy ips: %w", err)
	}
	defer rows.Close()

	var out []model.IPAgg
	for rows.Next() {
		var ip model.IPAgg
		if err := rows.Scan(&ip.IP, &ip.Upload, &ip.Download, &ip.Connections, &ip.LastSeen); err != nil {
			return nil, fmt.Errorf("scan proxy ip: %w", err)
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// RuleStats lists per-rule aggregates over the window.
func (s *Store) RuleStats(backendID string, tr *TimeRange, limit int) ([]model.KeyedStat, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	return s.keyedStats("rule_stats", "rule", backendID, tr, limit)
}

// RuleTotals sums one rule's aggregates over the window.
func (s *Store) RuleTotals(backendID, rule string, tr *TimeRange) (model.Stat, error) {
	var st model.Stat
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID, rule}, winArgs...)
	err := s.db.QueryRow(fmt.Sprintf(
		`SELECT COALESCE(SUM(upload),0), COALESCE(SUM(download),0), COALESCE(SUM(connections),0), COALESCE(MAX(last_seen),0)
		 FROM rule_stats WHERE backend_id = ? AND rule = ?%s`, win), args...,
	).Scan(&st.Upload, &st.Download, &st.Connections, &st.LastSeen)
	if err != nil {
		return st, fmt.Errorf("rule totals: %w", err)
	}
	return st, nil
}

// RuleDomains lists the hosts matched by one rule.
func (s *Store) RuleDomains(backendID, rule string, tr *TimeRange, limit int) ([]model.DomainAgg, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID, rule}, winArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT host, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM rule_domain_chain_stats WHERE backend_id = ? AND rule = ?%s
		 GROUP BY host ORDER BY SUM(download) DESC LIMIT ?`, win), args...)
	if err != nil {
		return nil, fmt.Errorf("rule domains: %w", err)
	}
	defer rows.Close()

	var out []model.DomainAgg
	for rows.Next() {
		var d model.DomainAgg
		if err := rows.Scan(&d.Host, &d.Upload, &d.Download, &d.Connections, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("scan rule domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RuleChains lists the chains that served one rule.
func (s *Store) RuleChains(backendID, rule string, tr *TimeRange, limit int) ([]model.KeyedStat, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID, rule}, winArgs...)
	args = append(args, limit)
	return s.scanKeyed(fmt.Sprintf(
		`SELECT chain, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM rule_domain_chain_stats WHERE backend_id = ? AND rule = ?%s
		 GROUP BY chain ORDER BY SUM(download) DESC LIMIT ?`, win), args)
}

// CountryStats lists per-country aggregates over the window.
func (s *Store) CountryStats(backendID string, tr *TimeRange) ([]model.KeyedStat, error) {
	return s.keyedStats("country_stats", "country_code", backendID, tr, maxListLimit)
}

// DeviceStats lists per-source-device aggregates over the window.
func (s *Store) DeviceStats(backendID string, tr *TimeRange) ([]model.KeyedStat, error) {
	return s.keyedStats("device_stats", "source_ip", backendID, tr, maxListLimit)
}

// HourlyStats returns hour buckets inside the window, ascending.
func (s *Store) HourlyStats(backendID string, tr *TimeRange) ([]model.TrendPoint, error) {
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID}, winArgs...)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT bucket, upload, download, connections
		 FROM hourly_stats WHERE backend_id = ?%s ORDER BY bucket`, win), args...)
	if err != nil {
		return nil, fmt.Errorf("hourly stats: %w", err)
	}
	defer rows.Close()

	var out []model.TrendPoint
	for rows.Next() {
		var p model.TrendPoint
		if err := rows.Scan(&p.Bucket, &p.Upload, &p.Download, &p.Connections); err != nil {
			return nil, fmt.Errorf("scan hourly row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Trend returns one backend's time series over the trailing window,
// regrouped into step-sized buckets. Persisted data is hourly, so steps
// below one hour degenerate to the hourly series.
func (s *Store) Trend(backendID string, window, step time.Duration) ([]model.TrendPoint, error) {
	return s.trend("backend_id = ?", []any{backendID}, window, step)
}

// TrendAggregated returns the cross-backend time series.
func (s *Store) TrendAggregated(window, step time.Duration) ([]model.TrendPoint, error) {
	return s.trend("1 = 1", nil, window, step)
}

func (s *Store) trend(where string, args []any, window, step time.Duration) ([]model.TrendPoint, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	stepSec := int64(step / time.Second)
	if stepSec < 3600 {
		stepSec = 3600
	}
	since := time.Now().Add(-window).Unix()
	q := fmt.Sprintf(
		`SELECT (bucket / %d) * %d AS grp, SUM(upload), SUM(download), SUM(connections)
		 FROM hourly_stats WHERE %s AND bucket >= ?
		 GROUP BY grp ORDER BY grp`, stepSec, stepSec, where)

	rows, err := s.db.Query(q, append(args, since)...)
	if err != nil {
		return nil, fmt.Errorf("trend: %w", err)
	}
	defer rows.Close()

	var out []model.TrendPoint
	for rows.Next() {
		var p model.TrendPoint
		if err := rows.Scan(&p.Bucket, &p.Upload, &p.Download, &p.Connections); err != nil {
			return nil, fmt.Errorf("scan trend row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) topDomains(backendID string, tr *TimeRange, limit int) ([]model.DomainAgg, error) {
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID}, winArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT host, COALESCE(MAX(root_domain),''),
			SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM domain_stats WHERE backend_id = ?%s
		 GROUP BY host ORDER BY SUM(download) DESC LIMIT ?`, win), args...)
	if err != nil {
		return nil, fmt.Errorf("top domains: %w", err)
	}
	defer rows.Close()

	var out []model.DomainAgg
	for rows.Next() {
		var d model.DomainAgg
		if err := rows.Scan(&d.Host, &d.RootDomain, &d.Upload, &d.Download, &d.Connections, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("scan top domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) topIPs(backendID string, tr *TimeRange, limit int) ([]model.IPAgg, error) {
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID}, winArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT ip, COALESCE(MAX(country_code),''), COALESCE(MAX(location),''),
			SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM ip_stats WHERE backend_id = ?%s
		 GROUP BY ip ORDER BY SUM(download) DESC LIMIT ?`, win), args...)
	if err != nil {
		return nil, fmt.Errorf("top ips: %w", err)
	}
	defer rows.Close()

	var out []model.IPAgg
	for rows.Next() {
		var ip model.IPAgg
		if err := rows.Scan(&ip.IP, &ip.CountryCode, &ip.Location, &ip.Upload, &ip.Download, &ip.Connections, &ip.LastSeen); err != nil {
			return nil, fmt.Errorf("scan top ip: %w", err)
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// keyedStats groups a single-key dimension table over the window.
func (s *Store) keyedStats(table, keyCol, backendID string, tr *TimeRange, limit int) ([]model.KeyedStat, error) {
	win, winArgs := windowSQL(tr)
	args := append([]any{backendID}, winArgs...)
	args = append(args, limit)
	return s.scanKeyed(fmt.Sprintf(
		`SELECT %s, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM %s WHERE backend_id = ?%s
		 GROUP BY %s ORDER BY SUM(download) DESC LIMIT ?`, keyCol, table, win, keyCol), args)
}

func (s *Store) scanKeyed(query string, args []any) ([]model.KeyedStat, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyed stats: %w", err)
	}
	defer rows.Close()

	var out []model.KeyedStat
	for rows.Next() {
		var k model.KeyedStat
		if err := rows.Scan(&k.Key, &k.Upload, &k.Download, &k.Connections, &k.LastSeen); err != nil {
			return nil, fmt.Errorf("scan keyed row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
