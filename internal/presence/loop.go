package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrLoopBusy is returned by Submit when the hand-off queue is full.
	ErrLoopBusy = errors.New("presence loop is busy")
	// ErrLoopStopped is returned once the loop has exited.
	ErrLoopStopped = errors.New("presence loop stopped")
	// ErrTaskPanicked is returned by Call when fn panics.
	ErrTaskPanicked = errors.New("presence task panicked")
)

// Task is a unit of work executed on the loop goroutine.
type Task func(*Registry)

// Loop owns a Registry and serializes every access to it on one goroutine.
// Other goroutines hand work over through Submit or Call and never touch the
// registry directly.
type Loop struct {
	reg    *Registry
	tasks  chan Task
	done   chan struct{}
	logger *slog.Logger
}

// NewLoop creates a loop over reg whose hand-off queue holds queueSize tasks.
func NewLoop(reg *Registry, queueSize int, logger *slog.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		reg:    reg,
		tasks:  make(chan Task, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	l.logger.InfoContext(ctx, "Presence loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "Presence loop stopped", "pending_tasks", len(l.tasks))
			return nil
		case task := <-l.tasks:
			l.exec(ctx, task)
		}
	}
}

func (l *Loop) exec(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "Presence task panicked", "panic", r)
		}
	}()
	task(l.reg)
}

// Submit hands task to the loop without waiting. It never blocks.
func (l *Loop) Submit(task Task) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.tasks <- task:
		return nil
	default:
		return ErrLoopBusy
	}
}

// Call runs fn on the loop and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func(*Registry) error) error {
	result := make(chan error, 1)
	task := func(r *Registry) {
		defer func() {
			if p := recover(); p != nil {
				l.logger.Error("Presence call panicked", "panic", p)
				result <- fmt.Errorf("%w: %v", ErrTaskPanicked, p)
			}
		}()
		result <- fn(r)
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		// The task may still have run; report what we got if it did.
		select {
		case err := <-result:
			return err
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query runs fn on the loop and returns its value.
func Query[T any](ctx context.Context, l *Loop, fn func(*Registry) T) (T, error) {
	var out T
	err := l.Call(ctx, func(r *Registry) error {
		out = fn(r)
		return nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("presence query: %w", err)
	}
	return out, nil
}
