// Package store defines the persistence abstraction the core components run
// against: an in-process map implementation for tests and single-node
// deployments, and a PostgreSQL implementation for production. All atomic
// read-modify-write requirements (budget debits, state transitions) go
// through the Update methods, which each implementation applies as a single
// transactional unit per id.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Sessions persists Session records. Update applies mutate to the current
// record atomically: no two Updates for the same id interleave, and a
// mutate error leaves the record untouched.
type Sessions interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
}

// Executions persists Execution records.
type Executions interface {
	Create(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	Update(ctx context.Context, id string, mutate func(*Execution) error) (*Execution, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Execution, error)
	Count(ctx context.Context) (int64, error)
}

// Settlements persists Settlement records. Create fails with ErrExists when
// a settlement for the same session id is already present; it never
// overwrites.
type Settlements interface {
	Create(ctx context.Context, s *Settlement) error
	GetBySession(ctx context.Context, sessionID string) (*Settlement, error)
}

// Store bundles the three collections behind one handle.
type Store interface {
	Sessions() Sessions
	Executions() Executions
	Settlements() Settlements
	Healthy(ctx context.Context) bool
	Close()
}
