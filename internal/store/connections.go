package store

import (
	"fmt"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

// InsertConnectionRecord writes a closed-connection record. Replays of the
// same (backend, id) overwrite, keeping the final byte counts.
func (s *Store) InsertConnectionRecord(r model.ConnectionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO connections (id, backend_id, host, ip, chain, rule, source_ip, upload, download, started_at, closed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(backend_id, id) DO UPDATE SET
			upload = excluded.upload,
			download = excluded.download,
			closed_at = excluded.closed_at`,
		r.ID, r.BackendID, r.Host, r.DestinationIP, r.Chain, r.Rule, r.SourceIP,
		r.Upload, r.Download, r.StartedAt.Unix(), r.ClosedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert connection record: %w", err)
	}
	return nil
}

// ListConnections returns closed-connection records newest first.
func (s *Store) ListConnections(backendID string, tr *TimeRange, offset, limit int) (model.Page[model.ConnectionRecord], error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var page model.Page[model.ConnectionRecord]
	where := "backend_id = ?"
	args := []any{backendID}
	if tr != nil {
		where += " AND closed_at >= ? AND closed_at < ?"
		args = append(args, tr.Start.Unix(), tr.End.Unix())
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM connections WHERE "+where, args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count connections: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT id, backend_id, host, ip, chain, rule, source_ip, upload, download, started_at, closed_at
		 FROM connections WHERE `+where+` ORDER BY closed_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return page, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	page.Data = []model.ConnectionRecord{}
	for rows.Next() {
		var r model.ConnectionRecord
		var started, closed int64
		err := rows.Scan(&r.ID, &r.BackendID, &r.Host, &r.DestinationIP, &r.Chain,
			&r.Rule, &r.SourceIP, &r.Upload, &r.Download, &started, &closed)
		if err != nil {
			return page, fmt.Errorf("scan connection record: %w", err)
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.ClosedAt = time.Unix(closed, 0).UTC()
		page.Data = append(page.Data, r)
	}
	return page, rows.Err()
}
