// Package quota enforces the daily per-user message allowance.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/buildrelay/internal/domain"
)

// DefaultDailyLimit applies when no limit is configured.
const DefaultDailyLimit = 10

// UsageSource counts user-authored prompts and resolves per-user overrides.
type UsageSource interface {
	// CountUserPrompts counts prompts authored by userID in [from, to).
	CountUserPrompts(ctx context.Context, userID string, from, to time.Time) (int, error)

	// CustomLimit returns the override limit of userID, if one is configured.
	CustomLimit(ctx context.Context, userID string) (int, bool, error)
}

// Guard computes MessageLimit values for users.
type Guard struct {
	source       UsageSource
	defaultLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// NewGuard creates a Guard. A non-positive defaultLimit falls back to DefaultDailyLimit.
func NewGuard(source UsageSource, defaultLimit int, logger *slog.Logger, opts ...Option) *Guard {
	if defaultLimit <= 0 {
		defaultLimit = DefaultDailyLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		source:       source,
		defaultLimit: defaultLimit,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check reports the allowance of userID for the current UTC day. When usage
// cannot be computed the guard fails open: the default limit with zero usage.
func (g *Guard) Check(ctx context.Context, userID string) domain.MessageLimit {
	now := g.now().UTC()
	start := StartOfDay(now)
	reset := start.AddDate(0, 0, 1)

	limit := g.defaultLimit
	if custom, ok, err := g.source.CustomLimit(ctx, userID); err != nil {
		g.logger.Warn("failed to load custom message limit", "user_id", userID, "error", err)
	} else if ok {
		limit = custom
	}

	usage, err := g.source.CountUserPrompts(ctx, userID, start, now)
	if err != nil {
		g.logger.Error("failed to count daily messages, allowing request", "user_id", userID, "error", err)
		return domain.MessageLimit{
			DailyMessageLimit:  g.defaultLimit,
			CurrentUsage:       0,
			RemainingMessages:  g.defaultLimit,
			IsUserLimitReached: false,
			NextResetTime:      reset,
		}
	}

	return domain.MessageLimit{
		DailyMessageLimit:  limit,
		CurrentUsage:       usage,
		RemainingMessages:  max(0, limit-usage),
		IsUserLimitReached: usage >= limit,
		NextResetTime:      reset,
	}
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CountingNewMessage returns the allowance as it stands once one more message is sent.
func CountingNewMessage(l domain.MessageLimit) domain.MessageLimit {
	l.CurrentUsage++
	l.RemainingMessages = max(0, l.RemainingMessages-1)
	l.IsUserLimitReached = l.CurrentUsage >= l.DailyMessageLimit
	return l
}
