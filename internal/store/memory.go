package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is the in-process Store. Records are stored as copies; Update runs
// its mutate func under a per-id lock, which is what closes the
// "two debits both see budget available" race for single-node deployments.
type Memory struct {
	sessions    memSessions
	executions  memExecutions
	settlements memSettlements
}

func NewMemory() *Memory {
	m := &Memory{}
	m.sessions.items = make(map[string]*Session)
	m.executions.items = make(map[string]*Execution)
	m.settlements.bySession = make(map[string]*Settlement)
	return m
}

func (m *Memory) Sessions() Sessions       { return &m.sessions }
func (m *Memory) Executions() Executions   { return &m.executions }
func (m *Memory) Settlements() Settlements { return &m.settlements }

func (m *Memory) Healthy(context.Context) bool { return true }
func (m *Memory) Close()                       {}

type memSessions struct {
	mu    sync.Mutex
	locks sync.Map // id -> *sync.Mutex
	items map[string]*Session
}

func (s *memSessions) lockFor(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *memSessions) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, ErrExists)
	}
	cp := *sess
	s.items[sess.ID] = &cp
	return nil
}

func (s *memSessions) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) Update(_ context.Context, id string, mutate func(*Session) error) (*Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.items[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	// Mutate a copy; commit only on success so a failed mutate leaves the
	// stored record untouched.
	cp := *sess
	if err := mutate(&cp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.items[id] = &cp
	s.mu.Unlock()

	out := cp
	return &out, nil
}

func (s *memSessions) List(_ context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.items))
	for _, sess := range s.items {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memExecutions struct {
	mu    sync.Mutex
	items map[string]*Execution
}

func (e *memExecutions) Create(_ context.Context, exec *Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.items[exec.ID]; ok {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrExists)
	}
	cp := cloneExecution(exec)
	e.items[exec.ID] = cp
	return nil
}

func (e *memExecutions) Get(_ context.Context, id string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.items[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return cloneExecution(exec), nil
}

func (e *memExecutions) Update(_ context.Context, id string, mutate func(*Execution) error) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.items[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	cp := cloneExecution(exec)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	e.items[id] = cp
	return cloneExecution(cp), nil
}

func (e *memExecutions) ListBySession(_ context.Context, sessionID string) ([]*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Execution
	for _, exec := range e.items {
		if exec.SessionID == sessionID {
			out = append(out, cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (e *memExecutions) Count(_ context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.items)), nil
}

func cloneExecution(exec *Execution) *Execution {
	cp := *exec
	if exec.Args != nil {
		cp.Args = make(map[string]any, len(exec.Args))
		for k, v := range exec.Args {
			cp.Args[k] = v
		}
	}
	return &cp
}

type memSettlements struct {
	mu        sync.Mutex
	bySession map[string]*Settlement
}

func (s *memSettlements) Create(_ context.Context, st *Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySession[st.SessionID]; ok {
		return fmt.Errorf("settlement for session %s: %w", st.SessionID, ErrExists)
	}
	cp := *st
	s.bySession[st.SessionID] = &cp
	return nil
}

func (s *memSettlements) GetBySession(_ context.Context, sessionID string) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.bySession[sessionID]
	if !ok {
		return nil, fmt.Errorf("settlement for session %s: %w", sessionID, ErrNotFound)
	}
	cp := *st
	return &cp, nil
}
