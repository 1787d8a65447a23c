package applier

import (
	"context"
	"testing"
	"time"
)

func TestGate_WaitWhenOpen(t *testing.T) {
	g := NewGate()
	if err := g.Wait(context.Background()); err != nil {
		t.Errorf("open gate should not block: %v", err)
	}
}

func TestGate_PauseBlocksUntilResume(t *testing.T) {
	g := NewGate()
	g.Pause()

	released := make(chan error, 1)
	go func() {
		released <- g.Wait(context.Background())
	}()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	select {
	case err := <-released:
		if err != nil {
			t.Errorf("Wait after Resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resume")
	}
}

func TestGate_WaitHonorsContext(t *testing.T) {
	g := NewGate()
	g.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan error, 1)
	go func() {
		released <- g.Wait(ctx)
	}()

	cancel()
	select {
	case err := <-released:
		if err == nil {
			t.Error("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe context cancellation")
	}
}

func TestGate_ResumeIdempotent(t *testing.T) {
	g := NewGate()
	g.Resume() // not paused: no-op
	g.Pause()
	g.Resume()
	g.Resume()
	if g.Paused() {
		t.Error("gate should be open")
	}
}
