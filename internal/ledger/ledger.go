// Package ledger meters per-session consumption. The debit path is the one
// true race in the system: two concurrent executions must never both observe
// "budget available" before either debits. Debits therefore go through the
// store's transactional Update, which serializes per session id.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"agent-toollease/internal/registry"
	"agent-toollease/internal/store"
)

var ErrBudgetExhausted = errors.New("budget exhausted")

const msPerMinute = 60_000

// Cost converts effective execution time into cents at the tool's per-minute
// price, rounding up to the next cent per execution. Partial-minute rounding
// is applied per execution, not accumulated across the session.
func Cost(pricePerMinuteCents, durationMS int64) int64 {
	if pricePerMinuteCents <= 0 || durationMS <= 0 {
		return 0
	}
	return (durationMS*pricePerMinuteCents + msPerMinute - 1) / msPerMinute
}

// ProjectedCost is the worst-case cost of one run of the tool: its full
// duration limit at its price. Because the engine's timeout caps billed time
// at the duration limit, an admitted execution can never debit more than
// this.
func ProjectedCost(tool *registry.ToolDefinition) int64 {
	return Cost(tool.PricePerMinuteCents, tool.MaxDurationSeconds*1000)
}

// Ledger applies atomic debits against session budgets.
type Ledger struct {
	sessions store.Sessions
}

func New(sessions store.Sessions) *Ledger {
	return &Ledger{sessions: sessions}
}

// Debit applies consumed += costCents and effectiveTime += durationMS as one
// atomic unit, rejecting (never clamping) any debit that would push consumed
// past the budget allowance. Only active sessions can be debited.
func (l *Ledger) Debit(ctx context.Context, sessionID string, costCents, durationMS int64) (*store.Session, error) {
	if costCents < 0 || durationMS < 0 {
		return nil, fmt.Errorf("negative debit (%d cents, %d ms)", costCents, durationMS)
	}

	sess, err := l.sessions.Update(ctx, sessionID, func(s *store.Session) error {
		if s.Status != store.SessionActive {
			return fmt.Errorf("cannot debit session in status %q", s.Status)
		}
		if s.ConsumedCents+costCents > s.BudgetCents {
			return fmt.Errorf("%w: consumed %d + cost %d exceeds budget %d",
				ErrBudgetExhausted, s.ConsumedCents, costCents, s.BudgetCents)
		}
		s.ConsumedCents += costCents
		s.EffectiveTimeMS += durationMS
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("session_id", sessionID).
		Int64("cost_cents", costCents).
		Int64("duration_ms", durationMS).
		Int64("consumed_cents", sess.ConsumedCents).
		Msg("budget debited")

	return sess, nil
}

// Affordable reports whether a debit of projectedCents would fit the
// session's remaining budget. Pre-flight only; the authoritative check is
// inside Debit.
func (l *Ledger) Affordable(ctx context.Context, sessionID string, projectedCents int64) (bool, int64, error) {
	sess, err := l.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, 0, err
	}
	remaining := sess.RemainingCents()
	return sess.ConsumedCents+projectedCents <= sess.BudgetCents, remaining, nil
}
