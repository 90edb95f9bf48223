// Package retry executes operations with bounded retries, exponential
// backoff, and failure classification.
//
// This package implements the retry half of the resilience toolkit:
//   - Bounded attempts: one initial attempt plus a configurable retry budget
//   - Exponential backoff with an upper bound and optional jitter
//   - Per-attempt timeouts enforced with a deadline
//   - Failure classification (timeout, network, status-coded, generic)
//     deciding which failures are worth retrying
//
// Key behaviors:
//   - Attempts are strictly sequential; a new attempt never starts before
//     the previous one settles
//   - The last failure is surfaced verbatim, never wrapped
//   - Context cancellation ends the call between attempts and during waits
//
// Example usage:
//
//	outcome := retry.Do(ctx, fetchRates,
//	    retry.WithMaxRetries(5),
//	    retry.WithInitialDelay(200*time.Millisecond),
//	)
//	if !outcome.Success {
//	    return outcome.Err
//	}
package retry
