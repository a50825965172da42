package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startLoop(t *testing.T, reg *Registry, size int) (*Loop, context.CancelFunc) {
	t.Helper()
	loop := NewLoop(reg, size, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop, cancel
}

func TestLoopCall(t *testing.T) {
	loop, _ := startLoop(t, NewRegistry(), 8)
	ctx := context.Background()

	err := loop.Call(ctx, func(r *Registry) error {
		_, err := r.Register(RegisterRequest{AgentID: "A", DisplayName: "Alice"})
		return err
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	n, err := Query(ctx, loop, func(r *Registry) int { return r.Len() })
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected 1 record, got %d", n)
	}

	err = loop.Call(ctx, func(r *Registry) error { return r.Pause("ghost") })
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Expected ErrUnknownAgent to propagate, got %v", err)
	}
}

func TestLoopSubmitFromManyGoroutines(t *testing.T) {
	loop, _ := startLoop(t, NewRegistry(), 1024)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				err := loop.Submit(func(r *Registry) {
					_, _ = r.Register(RegisterRequest{DisplayName: "worker"})
				})
				if err == nil {
					return
				}
				if !errors.Is(err, ErrLoopBusy) {
					t.Errorf("Unexpected error: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	n, err := Query(context.Background(), loop, func(r *Registry) int { return r.Len() })
	if err != nil {
		t.Fatal(err)
	}
	if n != 50 {
		t.Errorf("Expected 50 records, got %d", n)
	}
}

func TestLoopSubmitNeverBlocks(t *testing.T) {
	reg := NewRegistry()
	loop := NewLoop(reg, 1, nil) // not running

	if err := loop.Submit(func(*Registry) {}); err != nil {
		t.Fatalf("First submit should fit the buffer: %v", err)
	}
	if err := loop.Submit(func(*Registry) {}); !errors.Is(err, ErrLoopBusy) {
		t.Errorf("Expected ErrLoopBusy, got %v", err)
	}
}

func TestLoopCallHonoursContext(t *testing.T) {
	loop := NewLoop(NewRegistry(), 1, nil) // not running
	_ = loop.Submit(func(*Registry) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := loop.Call(ctx, func(*Registry) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestLoopStopped(t *testing.T) {
	loop, cancel := startLoop(t, NewRegistry(), 4)
	cancel()

	deadline := time.After(time.Second)
	for {
		err := loop.Submit(func(*Registry) {})
		if errors.Is(err, ErrLoopStopped) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Loop never reported stopped")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := loop.Call(context.Background(), func(*Registry) error { return nil }); !errors.Is(err, ErrLoopStopped) {
		t.Errorf("Expected ErrLoopStopped, got %v", err)
	}
}

func TestLoopRecoversFromPanickingTask(t *testing.T) {
	loop, _ := startLoop(t, NewRegistry(), 4)

	if err := loop.Submit(func(*Registry) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if err := loop.Call(context.Background(), func(*Registry) error { return nil }); err != nil {
		t.Errorf("Loop died after panic: %v", err)
	}
}

func TestLoopCallReportsPanic(t *testing.T) {
	loop, _ := startLoop(t, NewRegistry(), 4)

	done := make(chan error, 1)
	go func() {
		done <- loop.Call(context.Background(), func(*Registry) error { panic("boom") })
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrTaskPanicked) {
			t.Errorf("Expected ErrTaskPanicked, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call never returned after its task panicked")
	}

	if err := loop.Call(context.Background(), func(*Registry) error { return nil }); err != nil {
		t.Errorf("Loop died after panic: %v", err)
	}
}
