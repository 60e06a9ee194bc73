package sync

import (
	"errors"
	"time"

	"dsawrangler/internal/core/record"
)

// RetryPolicy runs an operation up to MaxAttempts times with a fixed Delay
// between failures. Cancelled is consulted before every attempt; Sleep
// returns false when the wait was interrupted by cancellation. Errors marked
// Permanent stop the loop early; DSASubmitter marks 4xx responses other than
// 429 that way.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Cancelled   func() bool
	Sleep       func(time.Duration) bool
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do returns the number of attempts made and the last error. It returns
// ErrCancelled if cancellation stopped the loop before a success.
func (p RetryPolicy) Do(op func(attempt int) error) (int, error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	var err error
	attempts := 0
	for attempt := 1; attempt <= max; attempt++ {
		if p.Cancelled != nil && p.Cancelled() {
			return attempts, ErrCancelled
		}
		attempts++
		if err = op(attempt); err == nil {
			return attempts, nil
		}
		if IsPermanent(err) || record.IsPrecondition(err) || attempt == max {
			break
		}
		if p.Sleep != nil && !p.Sleep(p.Delay) {
			return attempts, ErrCancelled
		}
	}
	return attempts, err
}
