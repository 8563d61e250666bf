// Package settle converts a session's final consumed amount into the fixed
// percentage payout split. Exactly one settlement record can exist per
// session; the uniqueness constraint lives in the settlement store.
package settle

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agent-toollease/internal/store"
)

var ErrAlreadySettled = errors.New("session already settled")

// Policy is the percentage split between provider, platform, and reserve.
// The three shares must sum to exactly 100.
type Policy struct {
	ProviderPct int64
	PlatformPct int64
	ReservePct  int64
}

// DefaultPolicy is the 90/7/3 provider/platform/reserve split.
func DefaultPolicy() Policy {
	return Policy{ProviderPct: 90, PlatformPct: 7, ReservePct: 3}
}

func (p Policy) Validate() error {
	if p.ProviderPct < 0 || p.PlatformPct < 0 || p.ReservePct < 0 {
		return fmt.Errorf("split percentages must be non-negative, got %d/%d/%d",
			p.ProviderPct, p.PlatformPct, p.ReservePct)
	}
	if sum := p.ProviderPct + p.PlatformPct + p.ReservePct; sum != 100 {
		return fmt.Errorf("split percentages must sum to 100, got %d", sum)
	}
	return nil
}

// Summary is a computed split. Provider and platform shares are floored;
// the reserve absorbs the rounding remainder so the three parts always sum
// exactly to the total.
type Summary struct {
	TotalCents    int64 `json:"total_cents"`
	ProviderCents int64 `json:"provider_cents"`
	PlatformCents int64 `json:"platform_cents"`
	ReserveCents  int64 `json:"reserve_cents"`
}

// Split computes the payout summary for a consumed total.
func Split(p Policy, totalCents int64) Summary {
	provider := totalCents * p.ProviderPct / 100
	platform := totalCents * p.PlatformPct / 100
	return Summary{
		TotalCents:    totalCents,
		ProviderCents: provider,
		PlatformCents: platform,
		ReserveCents:  totalCents - provider - platform,
	}
}

// Calculator creates settlement records.
type Calculator struct {
	policy      Policy
	settlements store.Settlements
}

func NewCalculator(policy Policy, settlements store.Settlements) (*Calculator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{policy: policy, settlements: settlements}, nil
}

// Preview returns the split the session's current totals would settle at,
// without creating anything.
func (c *Calculator) Preview(sess *store.Session) Summary {
	return Split(c.policy, sess.ConsumedCents)
}

// Settle creates the one settlement record for the session. A second call
// for the same session fails with ErrAlreadySettled and does not mutate or
// return the prior record; double settlement must surface as an error.
func (c *Calculator) Settle(ctx context.Context, sess *store.Session) (*store.Settlement, error) {
	sum := Split(c.policy, sess.ConsumedCents)
	now := time.Now().UTC()

	rec := &store.Settlement{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		TotalCents:    sum.TotalCents,
		ProviderCents: sum.ProviderCents,
		PlatformCents: sum.PlatformCents,
		ReserveCents:  sum.ReserveCents,
		Reference:     reference(sess.ID, sum, now),
		SettledAt:     now,
	}

	if err := c.settlements.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("session %s: %w", sess.ID, ErrAlreadySettled)
		}
		return nil, err
	}

	log.Info().
		Str("session_id", sess.ID).
		Int64("total_cents", sum.TotalCents).
		Int64("provider_cents", sum.ProviderCents).
		Int64("platform_cents", sum.PlatformCents).
		Int64("reserve_cents", sum.ReserveCents).
		Msg("session settled")

	return rec, nil
}

// reference is a deterministic digest over the settlement inputs, recorded
// so the payout can be audited against the session totals later.
func reference(sessionID string, sum Summary, at time.Time) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d|%d|%d|%d",
		sessionID, sum.TotalCents, sum.ProviderCents, sum.PlatformCents,
		sum.ReserveCents, at.UnixMilli()))
	return fmt.Sprintf("%x", h)
}
