package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrGaveUp is returned once every reconnect attempt has failed.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

var errSessionEnded = errors.New("session ended")

// Policy bounds the reconnect loop.
type Policy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy allows 8 attempts backing off from 500ms up to 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     8,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Session runs one connection to completion. It calls established once the
// connection is usable, which resets the attempt budget when the session
// later drops.
type Session func(ctx context.Context, established func()) error

// Reconnector keeps a client session alive with bounded exponential backoff.
type Reconnector struct {
	name    string
	policy  Policy
	logger  *slog.Logger
	onRetry func(attempt int, err error)
}

// NewReconnector fills unset policy fields from DefaultPolicy.
func NewReconnector(name string, policy Policy, logger *slog.Logger) *Reconnector {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultPolicy().InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultPolicy().MaxInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{name: name, policy: policy, logger: logger}
}

// OnRetry registers a callback invoked before each retry.
func (r *Reconnector) OnRetry(fn func(attempt int, err error)) {
	r.onRetry = fn
}

func (r *Reconnector) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, r.policy.MaxAttempts-1), ctx)
}

// Run keeps session running until ctx is cancelled or MaxAttempts
// consecutive attempts fail, in which case the error wraps ErrGaveUp.
func (r *Reconnector) Run(ctx context.Context, session Session) error {
	for {
		attempt := 0
		var lastErr error
		op := func() error {
			attempt++
			established := false
			err := session(ctx, func() { established = true })
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if established {
				r.logger.WarnContext(ctx, "Connection lost", "component", r.name, "error", err)
				return backoff.Permanent(errSessionEnded)
			}
			if err == nil {
				err = errors.New("session ended before it was established")
			}
			lastErr = err
			return err
		}
		notify := func(err error, wait time.Duration) {
			r.logger.WarnContext(ctx, "Connection attempt failed, retrying",
				"component", r.name, "attempt", attempt, "max_attempts", r.policy.MaxAttempts, "retry_in", wait, "error", err)
			if r.onRetry != nil {
				r.onRetry(attempt, err)
			}
		}

		err := backoff.RetryNotify(op, r.newBackOff(ctx), notify)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errSessionEnded):
			continue
		case err == nil:
			return nil
		}
		if lastErr == nil {
			lastErr = err
		}
		r.logger.ErrorContext(ctx, "Giving up reconnecting", "component", r.name, "attempts", attempt, "error", lastErr)
		return fmt.Errorf("%s: %w after %d attempts: %v", r.name, ErrGaveUp, attempt, lastErr)
	}
}
