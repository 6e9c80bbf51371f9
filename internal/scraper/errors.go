package scraper

import (
	"errors"
	"fmt"
)

// Outcome classifies a failed fetch. Callers react to this closed set
// instead of inspecting transport errors.
type Outcome string

const (
	// OutcomeRetryable covers timeouts, 502/503/504 and non-HTML bodies.
	OutcomeRetryable Outcome = "retryable"
	// OutcomeUpstreamExhausted means the proxy provider's own quota or rate
	// limit is hit; no further requests should be issued for the run.
	OutcomeUpstreamExhausted Outcome = "upstream_exhausted"
	// OutcomeOther is any other terminal failure.
	OutcomeOther Outcome = "other"
)

// ErrUpstreamExhausted matches any FetchError with OutcomeUpstreamExhausted.
var ErrUpstreamExhausted = errors.New("scraper: upstream capacity exhausted")

// FetchError describes why a fetch produced no page.
type FetchError struct {
	Outcome    Outcome
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s after %d attempt(s)", e.Outcome, e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrUpstreamExhausted) see through the outcome.
func (e *FetchError) Is(target error) bool {
	return target == ErrUpstreamExhausted && e.Outcome == OutcomeUpstreamExhausted
}

// OutcomeOf returns the outcome carried by err, or OutcomeOther.
func OutcomeOf(err error) Outcome {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Outcome
	}
	return OutcomeOther
}

// IsUpstreamExhausted reports whether err signals provider exhaustion.
func IsUpstreamExhausted(err error) bool {
	return errors.Is(err, ErrUpstreamExhausted)
}
