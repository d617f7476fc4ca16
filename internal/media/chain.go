package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Attempt records why one acquisition strategy failed.
type Attempt struct {
	Strategy string
	Err      error
}

// ChainError lists every failed attempt of a Chain, in order.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Strategy, a.Err)
	}
	return "capture failed (" + strings.Join(parts, "; ") + ")"
}

// Unwrap exposes every attempt's error to errors.Is and errors.As.
func (e *ChainError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Chain tries acquisition strategies in order; the first success wins.
// A user cancellation ends the chain immediately.
type Chain []Acquirer

// Acquire returns the stream from the first strategy that succeeds along
// with its name. On failure the error is a *ChainError.
func (c Chain) Acquire(ctx context.Context) (*Stream, string, error) {
	var attempts []Attempt
	for _, a := range c {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Strategy: a.Name(), Err: err})
			break
		}
		s, err := a.Acquire(ctx)
		if err == nil {
			return s, a.Name(), nil
		}
		attempts = append(attempts, Attempt{Strategy: a.Name(), Err: err})
		if errors.Is(err, ErrUserCancelled) {
			break
		}
	}
	if len(attempts) == 0 {
		attempts = append(attempts, Attempt{Strategy: "none", Err: ErrCaptureUnavailable})
	}
	return nil, "", &ChainError{Attempts: attempts}
}

// AcquirerFunc adapts a function to the Acquirer interface.
type AcquirerFunc struct {
	Label string
	Fn    func(ctx context.Context) (*Stream, error)
}

func (f AcquirerFunc) Name() string { return f.Label }

func (f AcquirerFunc) Acquire(ctx context.Context) (*Stream, error) { return f.Fn(ctx) }
