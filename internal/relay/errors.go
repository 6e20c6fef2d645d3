package relay

import (
	"errors"
	"fmt"

	"github.com/ashureev/buildrelay/internal/domain"
)

var (
	// ErrNotFound is returned when the application is unknown, owned by someone
	// else, or has no prior exchange to continue from.
	ErrNotFound = errors.New("conversation not found")
	// ErrLimitReached is matched by *LimitError.
	ErrLimitReached = errors.New("daily message limit reached")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// LimitError is returned when the caller exhausted the daily allowance.
type LimitError struct {
	Limit domain.MessageLimit
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %d of %d used", ErrLimitReached, e.Limit.CurrentUsage, e.Limit.DailyMessageLimit)
}

// Is makes errors.Is(err, ErrLimitReached) hold.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitReached
}
