package attempter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nimbleos/otad/pkg/errors"
)

// Observer receives coordinator callbacks.
type Observer interface {
	// OnStatusUpdate fires on state changes and throttled progress.
	OnStatusUpdate(status UpdateStatus, progress float64)

	// OnPayloadApplicationComplete fires once per attempt with the
	// terminal code.
	OnPayloadApplicationComplete(code errors.Code)
}

// broadcaster fans status out to registered observers, throttling
// progress-only deltas. Observers are keyed by handle so callers drop
// their registration without the coordinator holding references to
// client objects.
type broadcaster struct {
	mu         sync.Mutex
	next       int
	observers  map[int]Observer
	lastSent   time.Time
	lastStatus UpdateStatus
	lastFrac   float64

	// Throttle thresholds: a progress-only update is delivered when at
	// least minInterval passed AND progress advanced by minDelta. The
	// comparison uses the monotonic clock reading inside time.Time, so
	// wall-clock jumps cannot suppress or flood updates.
	minInterval time.Duration
	minDelta    float64
}

func newBroadcaster(minInterval time.Duration, minDelta float64) *broadcaster {
	if minInterval <= 0 {
		minInterval = 200 * time.Millisecond
	}
	if minDelta <= 0 {
		minDelta = 0.005
	}
	return &broadcaster{
		observers:   map[int]Observer{},
		minInterval: minInterval,
		minDelta:    minDelta,
		lastStatus:  -1,
	}
}

// register adds an observer and returns its handle.
func (b *broadcaster) register(o Observer) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.observers[b.next] = o
	return b.next
}

// unregister drops the observer behind handle.
func (b *broadcaster) unregister(handle int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, handle)
}

// statusUpdate delivers a status/progress pair, applying the throttle to
// progress-only changes. State transitions always deliver.
func (b *broadcaster) statusUpdate(status UpdateStatus, progress float64) {
	b.mu.Lock()

	statusChanged := status != b.lastStatus
	if !statusChanged {
		if time.Since(b.lastSent) < b.minInterval || progress-b.lastFrac < b.minDelta {
			b.mu.Unlock()
			return
		}
	}

	b.lastStatus = status
	b.lastFrac = progress
	b.lastSent = time.Now()
	targets := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		targets = append(targets, o)
	}
	b.mu.Unlock()

	slog.Debug("status_broadcast", "status", status.String(), "progress", progress)
	for _, o := range targets {
		o.OnStatusUpdate(status, progress)
	}
}

// complete delivers the terminal code of an attempt.
func (b *broadcaster) complete(code errors.Code) {
	b.mu.Lock()
	targets := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		targets = append(targets, o)
	}
	b.mu.Unlock()

	slog.Info("attempt_complete_broadcast", "code", code.String())
	for _, o := range targets {
		o.OnPayloadApplicationComplete(code)
	}
}
