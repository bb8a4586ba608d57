package store

import (
	"context"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
)

// Store is the session store boundary. Sessions are addressed by join code;
// the stored document is treated as opaque JSON by the store.
type Store interface {
	// Get returns the session for code, or (nil, nil) when absent.
	Get(ctx context.Context, code string) (*session.Value, error)
	// Put inserts or replaces the session under its code.
	Put(ctx context.Context, value *session.Value) error
	// Delete removes the session for code. Deleting an absent session is a
	// no-op.
	Delete(ctx context.Context, code string) error
	// List returns all sessions, most recently updated first.
	List(ctx context.Context) ([]*session.Value, error)
}
