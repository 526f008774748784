package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speechgate/speechgate/internal/store"
)

// ErrQuotaExceeded is returned before any provider spend when the prospective
// usage would cross a monthly plan limit.
var ErrQuotaExceeded = errors.New("monthly quota exceeded")

// Limits are the per-plan monthly ceilings the guard enforces.
type Limits struct {
	Characters int64
	Minutes    float64
}

// QuotaGuard compares prospective usage against the current month's counter.
// The check is deliberately soft: concurrent requests may overshoot by one
// in-flight request's worth, but increments themselves are atomic (store).
type QuotaGuard struct {
	store  store.Store
	limits Limits
	now    func() time.Time
}

func NewQuotaGuard(s store.Store, limits Limits) *QuotaGuard {
	return &QuotaGuard{store: s, limits: limits, now: time.Now}
}

// Check allows or denies a prospective increment. An absent counter counts
// as zero usage.
func (g *QuotaGuard) Check(ctx context.Context, userID string, charDelta int64, minuteDelta float64) error {
	usage, err := g.store.GetUsage(ctx, userID, store.MonthKey(g.now()))
	if err != nil {
		return fmt.Errorf("read usage counter: %w", err)
	}
	if g.limits.Characters > 0 && usage.Characters+charDelta > g.limits.Characters {
		return fmt.Errorf("%w: %d of %d characters used this month",
			ErrQuotaExceeded, usage.Characters, g.limits.Characters)
	}
	if g.limits.Minutes > 0 && usage.ConversationMinutes+minuteDelta > g.limits.Minutes {
		return fmt.Errorf("%w: %.1f of %.1f minutes used this month",
			ErrQuotaExceeded, usage.ConversationMinutes, g.limits.Minutes)
	}
	return nil
}
