package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clashmeter/clashmeter/internal/model"
)

const backendCols = "id, name, url, token, enabled, listening, is_active, created_at"

func scanBackend(row interface{ Scan(...any) error }) (model.Backend, error) {
	var b model.Backend
	var enabled, listening, active int
	var createdAt int64
	err := row.Scan(&b.ID, &b.Name, &b.URL, &b.Token, &enabled, &listening, &active, &createdAt)
	if err != nil {
		return b, err
	}
	b.Enabled = enabled != 0
	b.Listening = listening != 0
	b.IsActive = active != 0
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	return b, nil
}

// ListBackends returns all backends ordered by creation time.
func (s *Store) ListBackends() ([]model.Backend, error) {
	rows, err := s.db.Query("SELECT " + backendCols + " FROM backends ORDER BY created_at, name")
	if err != nil {
		return nil, fmt.Errorf("list backends: %w", err)
	}
	defer rows.Close()

	var out []model.Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListeningBackends returns backends with enabled AND listening set; these
// are the ones the supervisor should run sessions for.
func (s *Store) ListeningBackends() ([]model.Backend, error) {
	rows, err := s.db.Query("SELECT " + backendCols + " FROM backends WHERE enabled = 1 AND listening = 1 ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list listening backends: %w", err)
	}
	defer rows.Close()

	var out []model.Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBackend returns one backend by id.
func (s *Store) GetBackend(id string) (model.Backend, error) {
	b, err := scanBackend(s.db.QueryRow("SELECT "+backendCols+" FROM backends WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("get backend %s: %w", id, err)
	}
	return b, nil
}

// GetActiveBackend returns the backend marked active, or ErrNotFound.
func (s *Store) GetActiveBackend() (model.Backend, error) {
	b, err := scanBackend(s.db.QueryRow("SELECT " + backendCols + " FROM backends WHERE is_active = 1 LIMIT 1"))
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("get active backend: %w", err)
	}
	return b, nil
}

// GetBackendByName returns one backend by its unique name.
func (s *Store) GetBackendByName(name string) (model.Backend, error) {
	b, err := scanBackend(s.db.QueryRow("SELECT "+backendCols+" FROM backends WHERE name = ?", name))
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("get backend by name %s: %w", name, err)
	}
	return b, nil
}

// CreateBackend inserts a new backend. The first backend ever created
// becomes the active one. Duplicate names return a ConflictError.
func (s *Store) CreateBackend(name, url, token string) (model.Backend, error) {
	name = strings.TrimSpace(name)
	url = strings.TrimSpace(url)

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM backends").Scan(&count); err != nil {
		return model.Backend{}, fmt.Errorf("create backend: count: %w", err)
	}

	b := model.Backend{
		ID:        uuid.NewString(),
		Name:      name,
		URL:       url,
		Token:     token,
		Enabled:   true,
		Listening: true,
		IsActive:  count == 0,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO backends (id, name, url, token, enabled, listening, is_active, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.Name, b.URL, b.Token, boolInt(b.Enabled), boolInt(b.Listening), boolInt(b.IsActive), b.CreatedAt.Unix(),
	)
	if err != nil {
		if IsConstraint(err) {
			return model.Backend{}, &ConflictError{Message: fmt.Sprintf("backend name %q already exists", name)}
		}
		return model.Backend{}, fmt.Errorf("create backend: %w", err)
	}
	return b, nil
}

// BackendPatch holds optional fields for a partial backend update.
type BackendPatch struct {
	Name      *string
	URL       *string
	Token     *string
	Enabled   *bool
	Listening *bool
}

// UpdateBackend applies a partial update and returns the updated backend.
func (s *Store) UpdateBackend(id string, patch BackendPatch) (model.Backend, error) {
	b, err := s.GetBackend(id)
	if err != nil {
		return b, err
	}

	if patch.Name != nil {
		b.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.URL != nil {
		b.URL = strings.TrimSpace(*patch.URL)
	}
	if patch.Token != nil {
		b.Token = *patch.Token
	}
	if patch.Enabled != nil {
		b.Enabled = *patch.Enabled
	}
	if patch.Listening != nil {
		b.Listening = *patch.Listening
	}

	_, err = s.db.Exec(
		`UPDATE backends SET name=?, url=?, token=?, enabled=?, listening=? WHERE id=?`,
		b.Name, b.URL, b.Token, boolInt(b.Enabled), boolInt(b.Listening), id,
	)
	if err != nil {
		if IsConstraint(err) {
			return b, &ConflictError{Message: fmt.Sprintf("backend name %q already exists", b.Name)}
		}
		return b, fmt.Errorf("update backend %s: %w", id, err)
	}
	return b, nil
}

// DeleteBackend removes a backend; all of its aggregate and connection
// rows cascade.
func (s *Store) DeleteBackend(id string) error {
	res, err := s.db.Exec("DELETE FROM backends WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete backend %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActiveBackend marks one backend active and clears the flag on all
// others, in a single transaction.
func (s *Store) SetActiveBackend(id string) error {
	if _, err := s.GetBackend(id); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set active backend: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("UPDATE backends SET is_active = 0 WHERE is_active = 1"); err != nil {
		return fmt.Errorf("set active backend: clear: %w", err)
	}
	if _, err := tx.Exec("UPDATE backends SET is_active = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("set active backend: set: %w", err)
	}
	return tx.Commit()
}

// SetListening toggles runtime ingestion without forgetting credentials.
func (s *Store) SetListening(id string, listening bool) (model.Backend, error) {
	return s.UpdateBackend(id, BackendPatch{Listening: &listening})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
