package quota

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/buildrelay/internal/domain"
)

// Response headers carrying a MessageLimit.
const (
	HeaderLimit     = "X-Dailylimit-Limit"
	HeaderRemaining = "X-Dailylimit-Remaining"
	HeaderUsage     = "X-Dailylimit-Usage"
	HeaderReset     = "X-Dailylimit-Reset"
)

// WriteHeaders sets the limit headers on h.
func WriteHeaders(h http.Header, l domain.MessageLimit) {
	h.Set(HeaderLimit, strconv.Itoa(l.DailyMessageLimit))
	h.Set(HeaderRemaining, strconv.Itoa(l.RemainingMessages))
	h.Set(HeaderUsage, strconv.Itoa(l.CurrentUsage))
	h.Set(HeaderReset, l.NextResetTime.UTC().Format(time.RFC3339))
}

// ParseHeaders reads a MessageLimit back from response headers.
func ParseHeaders(h http.Header) (domain.MessageLimit, error) {
	var l domain.MessageLimit
	var err error
	if l.DailyMessageLimit, err = strconv.Atoi(h.Get(HeaderLimit)); err != nil {
		return l, fmt.Errorf("parse %s: %w", HeaderLimit, err)
	}
	if l.RemainingMessages, err = strconv.Atoi(h.Get(HeaderRemaining)); err != nil {
		return l, fmt.Errorf("parse %s: %w", HeaderRemaining, err)
	}
	if l.CurrentUsage, err = strconv.Atoi(h.Get(HeaderUsage)); err != nil {
		return l, fmt.Errorf("parse %s: %w", HeaderUsage, err)
	}
	if l.NextResetTime, err = time.Parse(time.RFC3339, h.Get(HeaderReset)); err != nil {
		return l, fmt.Errorf("parse %s: %w", HeaderReset, err)
	}
	l.IsUserLimitReached = l.RemainingMessages <= 0 || l.CurrentUsage >= l.DailyMessageLimit
	return l, nil
}
