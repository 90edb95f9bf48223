package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrOpen is the sentinel rejection error. Every rejection returned by
// Execute satisfies errors.Is(err, ErrOpen).
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is the rejection returned while the breaker refuses calls. It
// carries the breaker name and, when the breaker is waiting out its
// cooldown, the time remaining until the next probe is allowed.
type OpenError struct {
	// Name identifies the breaker, empty for unnamed breakers.
	Name string
	// RetryAfter is the remaining cooldown. Zero when a half-open probe is
	// already in flight and the caller lost the race for it.
	RetryAfter time.Duration
}

// Error implements error. The message always contains the ErrOpen text so
// log greps keep working.
func (e *OpenError) Error() string {
	switch {
	case e.Name != "" && e.RetryAfter > 0:
		return fmt.Sprintf("%s: circuit breaker is open (retry in %v)", e.Name, e.RetryAfter.Round(time.Millisecond))
	case e.Name != "":
		return fmt.Sprintf("%s: circuit breaker is open", e.Name)
	case e.RetryAfter > 0:
		return fmt.Sprintf("circuit breaker is open (retry in %v)", e.RetryAfter.Round(time.Millisecond))
	default:
		return "circuit breaker is open"
	}
}

// Unwrap maps every rejection onto ErrOpen.
func (e *OpenError) Unwrap() error {
	return ErrOpen
}
