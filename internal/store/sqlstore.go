package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
)

// SQLStore implements Store on top of the app_sessions table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps a database handle as a session store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, code string) (*session.Value, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM app_sessions WHERE sessioncode = ?", code,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session %s: %w", code, err)
	}

	var value session.Value
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", code, err)
	}
	return &value, nil
}

func (s *SQLStore) Put(ctx context.Context, value *session.Value) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", value.SessionCode, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_sessions (sessioncode, uuid, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sessioncode) DO UPDATE SET
			uuid = excluded.uuid,
			value = excluded.value,
			updated_at = excluded.updated_at
	`, value.SessionCode, value.UUID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", value.SessionCode, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*session.Value, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT value FROM app_sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Value
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var value session.Value
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &value)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM app_sessions WHERE sessioncode = ?", code,
	); err != nil {
		return fmt.Errorf("delete session %s: %w", code, err)
	}
	return nil
}
