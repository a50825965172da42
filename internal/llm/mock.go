package llm

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted responder for tests and local runs.
type Mock struct {
	// GenerateFunc is called when Generate is invoked.
	// If nil, the input is echoed back.
	GenerateFunc func(ctx context.Context, text string) (string, error)

	mu        sync.Mutex
	callCount int
	lastText  string
}

// NewMock returns a responder that echoes its input.
func NewMock() *Mock {
	return &Mock{}
}

// NewMockWithFunc returns a responder that answers with fn.
func NewMockWithFunc(fn func(ctx context.Context, text string) (string, error)) *Mock {
	return &Mock{GenerateFunc: fn}
}

func (m *Mock) Generate(ctx context.Context, text string) (string, error) {
	m.mu.Lock()
	m.callCount++
	m.lastText = text
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	return fmt.Sprintf("I received your message: %s", text), nil
}

// CallCount returns how many times Generate was called.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastText returns the text of the last Generate call.
func (m *Mock) LastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastText
}
