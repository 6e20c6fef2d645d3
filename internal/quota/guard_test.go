package quota

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	prompts   map[string][]time.Time
	custom    map[string]int
	countErr  error
	customErr error
}

func (f *fakeSource) CountUserPrompts(_ context.Context, userID string, from, to time.Time) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	n := 0
	for _, ts := range f.prompts[userID] {
		if !ts.Before(from) && ts.Before(to) {
			n++
		}
	}
	return n, nil
}

func (f *fakeSource) CustomLimit(_ context.Context, userID string) (int, bool, error) {
	if f.customErr != nil {
		return 0, false, f.customErr
	}
	n, ok := f.custom[userID]
	return n, ok, nil
}

var fixedNow = time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)

func promptsAt(n int, ts time.Time) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = ts
	}
	return out
}

func newTestGuard(src UsageSource, limit int) *Guard {
	return NewGuard(src, limit, nil, WithClock(func() time.Time { return fixedNow }))
}

func TestCheckBoundary(t *testing.T) {
	src := &fakeSource{prompts: map[string][]time.Time{
		"below": promptsAt(4, fixedNow.Add(-time.Hour)),
		"at":    promptsAt(5, fixedNow.Add(-time.Hour)),
	}}
	g := newTestGuard(src, 5)

	below := g.Check(context.Background(), "below")
	assert.False(t, below.IsUserLimitReached)
	assert.Equal(t, 1, below.RemainingMessages)
	assert.Equal(t, 4, below.CurrentUsage)

	at := g.Check(context.Background(), "at")
	assert.True(t, at.IsUserLimitReached)
	assert.Equal(t, 0, at.RemainingMessages)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), at.NextResetTime)
}

func TestCheckCountsOnlyToday(t *testing.T) {
	yesterday := StartOfDay(fixedNow).Add(-time.Minute)
	src := &fakeSource{prompts: map[string][]time.Time{
		"u": append(promptsAt(9, yesterday), StartOfDay(fixedNow), fixedNow.Add(time.Minute)),
	}}
	l := newTestGuard(src, 3).Check(context.Background(), "u")
	assert.Equal(t, 1, l.CurrentUsage)
	assert.Equal(t, 2, l.RemainingMessages)
}

func TestCheckUsesCustomLimit(t *testing.T) {
	src := &fakeSource{
		prompts: map[string][]time.Time{"vip": promptsAt(12, fixedNow.Add(-time.Minute))},
		custom:  map[string]int{"vip": 50},
	}
	l := newTestGuard(src, 10).Check(context.Background(), "vip")
	assert.Equal(t, 50, l.DailyMessageLimit)
	assert.Equal(t, 38, l.RemainingMessages)
	assert.False(t, l.IsUserLimitReached)
}

func TestCheckFailsOpen(t *testing.T) {
	src := &fakeSource{countErr: errors.New("db down"), custom: map[string]int{"u": 1}}
	l := newTestGuard(src, 7).Check(context.Background(), "u")
	assert.False(t, l.IsUserLimitReached)
	assert.Equal(t, 7, l.DailyMessageLimit)
	assert.Equal(t, 0, l.CurrentUsage)
	assert.Equal(t, 7, l.RemainingMessages)
}

func TestCheckIgnoresCustomLimitFailure(t *testing.T) {
	src := &fakeSource{customErr: errors.New("boom")}
	l := newTestGuard(src, 4).Check(context.Background(), "u")
	assert.Equal(t, 4, l.DailyMessageLimit)
}

func TestDefaultLimitFallback(t *testing.T) {
	g := NewGuard(&fakeSource{}, 0, nil)
	assert.Equal(t, DefaultDailyLimit, g.defaultLimit)
}

func TestCountingNewMessage(t *testing.T) {
	l := CountingNewMessage(newTestGuard(&fakeSource{prompts: map[string][]time.Time{"u": promptsAt(1, fixedNow.Add(-time.Second))}}, 2).Check(context.Background(), "u"))
	assert.Equal(t, 2, l.CurrentUsage)
	assert.Equal(t, 0, l.RemainingMessages)
	assert.True(t, l.IsUserLimitReached)
}

func TestHeadersRoundTrip(t *testing.T) {
	l := newTestGuard(&fakeSource{}, 10).Check(context.Background(), "u")
	h := http.Header{}
	WriteHeaders(h, l)
	assert.Equal(t, "2026-03-15T00:00:00Z", h.Get(HeaderReset))

	got, err := ParseHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, l, got)

	_, err = ParseHeaders(http.Header{})
	assert.Error(t, err)
}
