package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

const (
	// Busy/locked writes are retried this many times with exponential
	// backoff before the batch is handed back to the caller.
	flushMaxAttempts = 5
	flushBaseBackoff = 50 * time.Millisecond

	// Seen-sets on domain/ip rows are bounded so a scan of a busy host
	// cannot grow a row without limit.
	maxSeenEntries = 50
)

// withBusyRetry runs fn, retrying transient busy/locked failures with
// exponential backoff. Non-retryable errors return immediately.
func withBusyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < flushMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		time.Sleep(flushBaseBackoff << attempt)
	}
	return err
}

// upsertRows writes one dimension batch in a single transaction. On a
// constraint failure the batch is replayed row by row, discarding only
// the offending rows so the rest of the batch persists.
func upsertRows[T any](s *Store, dim string, rows []T, exec func(*sql.Tx, T) error) error {
	if len(rows) == 0 {
		return nil
	}

	runAll := func(skipConstraint bool) (int, error) {
		tx, err := s.db.Begin()
		if err != nil {
			return 0, fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		discarded := 0
		for _, r := range rows {
			if err := exec(tx, r); err != nil {
				if skipConstraint && IsConstraint(err) {
					discarded++
					continue
				}
				return 0, err
			}
		}
		return discarded, tx.Commit()
	}

	err := withBusyRetry(func() error {
		_, err := runAll(false)
		return err
	})
	if err == nil {
		return nil
	}
	if !IsConstraint(err) {
		return fmt.Errorf("flush %s: %w", dim, err)
	}

	// Split retry: preserve the healthy rows of the batch.
	var discarded int
	err = withBusyRetry(func() error {
		var e error
		discarded, e = runAll(true)
		return e
	})
	if discarded > 0 {
		log.Printf("[store] flush %s: discarded %d rows failing constraints", dim, discarded)
	}
	if err != nil {
		return fmt.Errorf("flush %s: %w", dim, err)
	}
	return nil
}

// UpsertHourly writes hourly aggregate deltas.
func (s *Store) UpsertHourly(rows []model.HourlyRow) error {
	return upsertRows(s, "hourly", rows, func(tx *sql.Tx, r model.HourlyRow) error {
		_, err := tx.Exec(`INSERT INTO hourly_stats (backend_id, bucket, upload, download, connections)
			VALUES (?,?,?,?,?) ON CONFLICT(backend_id, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections`,
			r.BackendID, r.Bucket, r.Upload, r.Download, r.Connections)
		return err
	})
}

// UpsertDomains writes domain aggregate deltas, merging the bounded
// ips-seen/chains-seen sets inside the same transaction.
func (s *Store) UpsertDomains(rows []model.DomainRow) error {
	return upsertRows(s, "domain", rows, func(tx *sql.Tx, r model.DomainRow) error {
		ips, chains, err := mergedSeenSets(tx,
			`SELECT ips_seen, chains_seen FROM domain_stats WHERE backend_id=? AND host=? AND bucket=?`,
			[]any{r.BackendID, r.Host, r.Bucket}, r.IPsSeen, r.ChainsSeen)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO domain_stats
			(backend_id, host, root_domain, bucket, upload, download, connections, last_seen, ips_seen, chains_seen)
			VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(backend_id, host, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen),
				ips_seen = excluded.ips_seen,
				chains_seen = excluded.chains_seen`,
			r.BackendID, r.Host, r.RootDomain, r.Bucket,
			r.Upload, r.Download, r.Connections, r.LastSeen, ips, chains)
		return err
	})
}

// UpsertIPs writes destination-ip aggregate deltas. Rows arriving without
// country data are enriched via the GeoIP collaborator; a failed or empty
// lookup persists as empty.
func (s *Store) UpsertIPs(rows []model.IPRow) error {
	return upsertRows(s, "ip", rows, func(tx *sql.Tx, r model.IPRow) error {
		if r.CountryCode == "" && s.geo != nil {
			info, err := s.geo.Lookup(r.IP)
			if err != nil {
				log.Printf("[store] geoip lookup %s: %v", r.IP, err)
			} else {
				r.CountryCode = info.CountryCode
				r.Location = info.Location
			}
		}
		domains, chains, err := mergedSeenSets(tx,
			`SELECT domains_seen, chains_seen FROM ip_stats WHERE backend_id=? AND ip=? AND bucket=?`,
			[]any{r.BackendID, r.IP, r.Bucket}, r.DomainsSeen, r.ChainsSeen)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO ip_stats
			(backend_id, ip, bucket, upload, download, connections, last_seen, domains_seen, chains_seen, country_code, location)
			VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(backend_id, ip, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen),
				domains_seen = excluded.domains_seen,
				chains_seen = excluded.chains_seen,
				country_code = CASE WHEN country_code = '' THEN excluded.country_code ELSE country_code END,
				location = CASE WHEN location = '' THEN excluded.location ELSE location END`,
			r.BackendID, r.IP, r.Bucket,
			r.Upload, r.Download, r.Connections, r.LastSeen,
			domains, chains, r.CountryCode, r.Location)
		return err
	})
}

// UpsertProxies writes proxy-chain aggregate deltas.
func (s *Store) UpsertProxies(rows []model.ProxyRow) error {
	return upsertRows(s, "proxy", rows, func(tx *sql.Tx, r model.ProxyRow) error {
		_, err := tx.Exec(`INSERT INTO proxy_stats (backend_id, chain, bucket, upload, download, connections, last_seen)
			VALUES (?,?,?,?,?,?,?) ON CONFLICT(backend_id, chain, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen)`,
			r.BackendID, r.Chain, r.Bucket, r.Upload, r.Download, r.Connections, r.LastSeen)
		return err
	})
}

// UpsertRules writes rule aggregate deltas.
func (s *Store) UpsertRules(rows []model.RuleRow) error {
	return upsertRows(s, "rule", rows, func(tx *sql.Tx, r model.RuleRow) error {
		_, err := tx.Exec(`INSERT INTO rule_stats (backend_id, rule, bucket, upload, download, connections, last_seen)
			VALUES (?,?,?,?,?,?,?) ON CONFLICT(backend_id, rule, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen)`,
			r.BackendID, r.Rule, r.Bucket, r.Upload, r.Download, r.Connections, r.LastSeen)
		return err
	})
}

// UpsertDevices writes source-device aggregate deltas.
func (s *Store) UpsertDevices(rows []model.DeviceRow) error {
	return upsertRows(s, "device", rows, func(tx *sql.Tx, r model.DeviceRow) error {
		_, err := tx.Exec(`INSERT INTO device_stats (backend_id, source_ip, bucket, upload, download, connections, last_seen)
			VALUES (?,?,?,?,?,?,?) ON CONFLICT(backend_id, source_ip, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen)`,
			r.BackendID, r.SourceIP, r.Bucket, r.Upload, r.Download, r.Connections, r.LastSeen)
		return err
	})
}

// UpsertCountries writes country aggregate deltas.
func (s *Store) UpsertCountries(rows []model.CountryRow) error {
	return upsertRows(s, "country", rows, func(tx *sql.Tx, r model.CountryRow) error {
		_, err := tx.Exec(`INSERT INTO country_stats (backend_id, country_code, bucket, upload, download, connections, last_seen)
			VALUES (?,?,?,?,?,?,?) ON CONFLICT(backend_id, country_code, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen)`,
			r.BackendID, r.CountryCode, r.Bucket, r.Upload, r.Download, r.Connections, r.LastSeen)
		return err
	})
}

// UpsertDomainChains writes (host, chain, source-ip) drill-down deltas.
func (s *Store) UpsertDomainChains(rows []model.DomainChainRow) error {
	return upsertRows(s, "domain_chain", rows, func(tx *sql.Tx, r model.DomainChainRow) error {
		_, err := tx.Exec(`INSERT INTO domain_chain_stats (backend_id, host, chain, source_ip, bucket, upload, download, connections, last_seen)
			VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(backend_id, host, chain, source_ip, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen)`,
			r.BackendID, r.Host, r.Chain, r.SourceIP, r.Bucket, r.Upload, r.Download, r.Connections, r.LastSeen)
		return err
	})
}

// UpsertIPDomains writes (ip, host) drill-down deltas.
func (s *Store) UpsertIPDomains(rows []model.IPDomainRow) error {
	return upsertRows(s, "ip_domain", rows, func(tx *sql.Tx, r model.IPDomainRow) error {
		_, err := tx.Exec(`INSERT INTO ip_domain_stats (backend_id, ip, host, bucket, upload, download, connections, last_seen)
			VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(backend_id, ip, host, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen)`,
			r.BackendID, r.IP, r.Host, r.Bucket, r.Upload, r.Download, r.Connections, r.LastSeen)
		return err
	})
}

// UpsertIPChains writes (ip, chain, source-ip) drill-down deltas.
func (s *Store) UpsertIPChains(rows []model.IPChainRow) error {
	return upsertRows(s, "ip_chain", rows, func(tx *sql.Tx, r model.IPChainRow) error {
		_, err := tx.Exec(`INSERT INTO ip_chain_stats (backend_id, ip, chain, source_ip, bucket, upload, download, connections, last_seen)
			VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(backend_id, ip, chain, source_ip, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen)`,
			r.BackendID, r.IP, r.Chain, r.SourceIP, r.Bucket, r.Upload, r.Download, r.Connections, r.LastSeen)
		return err
	})
}

// UpsertRuleDomainChains writes (rule, host, chain) drill-down deltas.
func (s *Store) UpsertRuleDomainChains(rows []model.RuleDomainChainRow) error {
	return upsertRows(s, "rule_domain_chain", rows, func(tx *sql.Tx, r model.RuleDomainChainRow) error {
		_, err := tx.Exec(`INSERT INTO rule_domain_chain_stats (backend_id, rule, host, chain, bucket, upload, download, connections, last_seen)
			VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(backend_id, rule, host, chain, bucket)
			DO UPDATE SET upload = upload + excluded.upload,
				download = download + excluded.download,
				connections = connections + excluded.connections,
				last_seen = max(last_seen, excluded.last_seen)`,
			r.BackendID, r.Rule, r.Host, r.Chain, r.Bucket, r.Upload, r.Download, r.Connections, r.LastSeen)
		return err
	})
}

// mergedSeenSets loads the existing JSON seen-sets for a row (if any) and
// unions the incoming values, bounded to maxSeenEntries.
func mergedSeenSets(tx *sql.Tx, query string, args []any, addA, addB []string) (string, string, error) {
	var rawA, rawB string
	err := tx.QueryRow(query, args...).Scan(&rawA, &rawB)
	if err != nil && err != sql.ErrNoRows {
		return "", "", err
	}

	a, err := unionSeen(rawA, addA)
	if err != nil {
		return "", "", err
	}
	b, err := unionSeen(rawB, addB)
	if err != nil {
		return "", "", err
	}
	return a, b, nil
}

func unionSeen(existing string, add []string) (string, error) {
	var current []string
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &current); err != nil {
			// A corrupt set is replaced rather than failing the flush.
			current = nil
		}
	}
	seen := make(map[string]struct{}, len(current)+len(add))
	for _, v := range current {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		if len(current) >= maxSeenEntries {
			break
		}
		seen[v] = struct{}{}
		current = append(current, v)
	}
	out, err := json.Marshal(current)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
