package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const uniqueViolation = "23505"

// Postgres is the production Store. Session updates run inside a
// transaction with SELECT ... FOR UPDATE, which is the row-lock equivalent
// of the memory store's per-id mutex.
type Postgres struct {
	pool *pgxpool.Pool

	sessions    pgSessions
	executions  pgExecutions
	settlements pgSettlements
}

// NewPostgres connects, verifies the connection, and bootstraps the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Postgres{pool: pool}
	p.sessions.pool = pool
	p.executions.pool = pool
	p.settlements.pool = pool

	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("connected to PostgreSQL")
	return p, nil
}

func (p *Postgres) Sessions() Sessions       { return &p.sessions }
func (p *Postgres) Executions() Executions   { return &p.executions }
func (p *Postgres) Settlements() Settlements { return &p.settlements }

func (p *Postgres) Healthy(ctx context.Context) bool {
	return p.pool.Ping(ctx) == nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			status TEXT NOT NULL,
			budget_cents BIGINT NOT NULL,
			consumed_cents BIGINT NOT NULL DEFAULT 0,
			effective_time_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			settled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			tool_id TEXT NOT NULL,
			args JSONB,
			status TEXT NOT NULL,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			exit_code INT NOT NULL DEFAULT 0,
			error_detail TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			cost_cents BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS executions_session_idx ON executions (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS settlements (
			id TEXT NOT NULL,
			session_id TEXT PRIMARY KEY REFERENCES sessions(id),
			total_cents BIGINT NOT NULL,
			provider_cents BIGINT NOT NULL,
			platform_cents BIGINT NOT NULL,
			reserve_cents BIGINT NOT NULL,
			reference TEXT NOT NULL DEFAULT '',
			settled_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL,
			execution_id TEXT NOT NULL DEFAULT '',
			amount_cents BIGINT NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrapping schema: %w", err)
		}
	}
	return nil
}

// LogAuditEvent appends one entry to the audit trail.
func (p *Postgres) LogAuditEvent(ctx context.Context, ev *AuditEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_events (id, kind, session_id, execution_id, amount_cents, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Kind, ev.SessionID, ev.ExecutionID, ev.AmountCents, ev.Detail, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

type pgSessions struct {
	pool *pgxpool.Pool
}

const sessionColumns = `id, agent_id, provider_id, status, budget_cents, consumed_cents,
	effective_time_ms, created_at, started_at, ended_at, settled_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.AgentID, &s.ProviderID, &s.Status, &s.BudgetCents, &s.ConsumedCents,
		&s.EffectiveTimeMS, &s.CreatedAt, &s.StartedAt, &s.EndedAt, &s.SettledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &s, nil
}

func (s *pgSessions) Create(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.AgentID, sess.ProviderID, sess.Status, sess.BudgetCents, sess.ConsumedCents,
		sess.EffectiveTimeMS, sess.CreatedAt, sess.StartedAt, sess.EndedAt, sess.SettledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", sess.ID, ErrExists)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *pgSessions) Get(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

func (s *pgSessions) Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	if err := mutate(sess); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions SET
			status = $2, consumed_cents = $3, effective_time_ms = $4,
			started_at = $5, ended_at = $6, settled_at = $7
		WHERE id = $1`,
		sess.ID, sess.Status, sess.ConsumedCents, sess.EffectiveTimeMS,
		sess.StartedAt, sess.EndedAt, sess.SettledAt,
	)
	if err != nil {
		return nil, fmt.Errorf("updating session %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing session update: %w", err)
	}
	return sess, nil
}

func (s *pgSessions) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type pgExecutions struct {
	pool *pgxpool.Pool
}

const executionColumns = `id, session_id, tool_id, args, status, stdout, stderr, exit_code,
	error_detail, duration_ms, cost_cents, created_at, started_at, completed_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	var args []byte
	err := row.Scan(
		&e.ID, &e.SessionID, &e.ToolID, &args, &e.Status, &e.Stdout, &e.Stderr, &e.ExitCode,
		&e.ErrorDetail, &e.DurationMS, &e.CostCents, &e.CreatedAt, &e.StartedAt, &e.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &e.Args); err != nil {
			return nil, fmt.Errorf("decoding execution args: %w", err)
		}
	}
	return &e, nil
}

func marshalArgs(args map[string]any) ([]byte, error) {
	if args == nil {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding execution args: %w", err)
	}
	return b, nil
}

func (e *pgExecutions) Create(ctx context.Context, exec *Execution) error {
	args, err := marshalArgs(exec.Args)
	if err != nil {
		return err
	}
	_, err = e.pool.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		exec.ID, exec.SessionID, exec.ToolID, args, exec.Status, exec.Stdout, exec.Stderr, exec.ExitCode,
		exec.ErrorDetail, exec.DurationMS, exec.CostCents, exec.CreatedAt, exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("execution %s: %w", exec.ID, ErrExists)
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (e *pgExecutions) Get(ctx context.Context, id string) (*Execution, error) {
	row := e.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec, err
}

func (e *pgExecutions) Update(ctx context.Context, id string, mutate func(*Execution) error) (*Execution, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1 FOR UPDATE`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	if err := mutate(exec); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE executions SET
			status = $2, stdout = $3, stderr = $4, exit_code = $5, error_detail = $6,
			duration_ms = $7, cost_cents = $8, started_at = $9, completed_at = $10
		WHERE id = $1`,
		exec.ID, exec.Status, exec.Stdout, exec.Stderr, exec.ExitCode, exec.ErrorDetail,
		exec.DurationMS, exec.CostCents, exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("updating execution %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing execution update: %w", err)
	}
	return exec, nil
}

func (e *pgExecutions) ListBySession(ctx context.Context, sessionID string) ([]*Execution, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (e *pgExecutions) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := e.pool.QueryRow(ctx, `SELECT COUNT(*) FROM executions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return n, nil
}

type pgSettlements struct {
	pool *pgxpool.Pool
}

func (s *pgSettlements) Create(ctx context.Context, st *Settlement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settlements (id, session_id, total_cents, provider_cents, platform_cents,
			reserve_cents, reference, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, st.SessionID, st.TotalCents, st.ProviderCents, st.PlatformCents,
		st.ReserveCents, st.Reference, st.SettledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("settlement for session %s: %w", st.SessionID, ErrExists)
		}
		return fmt.Errorf("inserting settlement: %w", err)
	}
	return nil
}

func (s *pgSettlements) GetBySession(ctx context.Context, sessionID string) (*Settlement, error) {
	var st Settlement
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, total_cents, provider_cents, platform_cents,
			reserve_cents, reference, settled_at
		FROM settlements WHERE session_id = $1`, sessionID).Scan(
		&st.ID, &st.SessionID, &st.TotalCents, &st.ProviderCents, &st.PlatformCents,
		&st.ReserveCents, &st.Reference, &st.SettledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("settlement for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("querying settlement: %w", err)
	}
	return &st, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
