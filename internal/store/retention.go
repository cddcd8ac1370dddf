package store

import (
	"fmt"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

// aggregateTables lists every per-dimension table wiped by a full data
// clear, in flush order.
var aggregateTables = []string{
	"hourly_stats", "domain_stats", "ip_stats", "proxy_stats",
	"rule_stats", "device_stats", "country_stats",
	"domain_chain_stats", "ip_domain_stats", "ip_chain_stats",
	"rule_domain_chain_stats",
}

// GetRetentionConfig reads the singleton retention policy row.
func (s *Store) GetRetentionConfig() (model.RetentionConfig, error) {
	var rc model.RetentionConfig
	var auto int
	err := s.db.QueryRow(
		`SELECT connection_logs_days, hourly_stats_days, auto_cleanup FROM retention_config WHERE id = 1`,
	).Scan(&rc.ConnectionLogsDays, &rc.HourlyStatsDays, &auto)
	if err != nil {
		return rc, fmt.Errorf("get retention config: %w", err)
	}
	rc.AutoCleanup = auto != 0
	return rc, nil
}

// UpdateRetentionConfig validates and persists the retention policy.
// Bounds: connection logs [1,90] days, hourly stats [7,365] days.
func (s *Store) UpdateRetentionConfig(rc model.RetentionConfig) error {
	if rc.ConnectionLogsDays < 1 || rc.ConnectionLogsDays > 90 {
		return fmt.Errorf("connectionLogsDays must be within [1,90], got %d", rc.ConnectionLogsDays)
	}
	if rc.HourlyStatsDays < 7 || rc.HourlyStatsDays > 365 {
		return fmt.Errorf("hourlyStatsDays must be within [7,365], got %d", rc.HourlyStatsDays)
	}
	_, err := s.db.Exec(
		`UPDATE retention_config SET connection_logs_days = ?, hourly_stats_days = ?, auto_cleanup = ? WHERE id = 1`,
		rc.ConnectionLogsDays, rc.HourlyStatsDays, boolInt(rc.AutoCleanup),
	)
	if err != nil {
		return fmt.Errorf("update retention config: %w", err)
	}
	return nil
}

// CleanupOldData applies retention. days > 0 deletes connection records
// older than that many days and aggregate buckets older than the hourly
// retention window. days == 0 wipes every aggregate and connection row
// for the given backend, or for all backends when backendID is empty.
// Returns deleted row counts per table.
func (s *Store) CleanupOldData(backendID string, days int) (model.CleanupResult, error) {
	result := model.CleanupResult{}

	if days == 0 {
		for _, table := range append(append([]string{}, aggregateTables...), "connections") {
			q := "DELETE FROM " + table
			args := []any{}
			if backendID != "" {
				q += " WHERE backend_id = ?"
				args = append(args, backendID)
			}
			res, err := s.db.Exec(q, args...)
			if err != nil {
				return result, fmt.Errorf("wipe %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			result[table] = n
		}
		return result, nil
	}

	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	q := "DELETE FROM connections WHERE closed_at < ?"
	args := []any{cutoff}
	if backendID != "" {
		q += " AND backend_id = ?"
		args = append(args, backendID)
	}
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return result, fmt.Errorf("cleanup connections: %w", err)
	}
	n, _ := res.RowsAffected()
	result["connections"] = n

	rc, err := s.GetRetentionConfig()
	if err != nil {
		return result, err
	}
	bucketCutoff := time.Now().AddDate(0, 0, -rc.HourlyStatsDays).Unix()
	for _, table := range aggregateTables {
		q := "DELETE FROM " + table + " WHERE bucket < ?"
		args := []any{bucketCutoff}
		if backendID != "" {
			q += " AND backend_id = ?"
			args = append(args, backendID)
		}
		res, err := s.db.Exec(q, args...)
		if err != nil {
			return result, fmt.Errorf("cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		result[table] = n
	}
	return result, nil
}
