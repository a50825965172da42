// Package llm provides the text generators agents use to answer messages.
//
// The relay core only needs a function-shaped contract: given text, return
// text or an error. Responder captures that contract; the concrete
// implementations wrap hosted models (OpenAI compatible endpoints, Gemini on
// Vertex AI) or a scripted mock for tests and local runs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyResponse is returned when a model answers with no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Responder turns an incoming message text into a reply text.
type Responder interface {
	Generate(ctx context.Context, text string) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, text string) (string, error)

func (f ResponderFunc) Generate(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Delayed waits before delegating to the wrapped responder. The wait is
// abandoned when ctx is cancelled.
type Delayed struct {
	Responder Responder
	Delay     time.Duration
}

func (d Delayed) Generate(ctx context.Context, text string) (string, error) {
	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return d.Responder.Generate(ctx, text)
}

// Config selects and configures a responder.
type Config struct {
	Kind         string // "mock", "openai" or "gemini"
	Model        string
	APIKey       string
	BaseURL      string
	Project      string
	Location     string
	SystemPrompt string
	Delay        time.Duration
}

// New builds the responder described by cfg, wrapped in Delayed when a delay
// is configured.
func New(ctx context.Context, cfg Config) (Responder, error) {
	var (
		r   Responder
		err error
	)
	switch cfg.Kind {
	case "", "mock":
		r = NewMock()
	case "openai":
		r, err = NewOpenAI(cfg)
	case "gemini":
		r, err = NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown responder kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Delay > 0 {
		r = Delayed{Responder: r, Delay: cfg.Delay}
	}
	return r, nil
}
