package agent

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// terminal reports whether status is Success or Failed — spec §4.9 step 6's
// "terminal updates always sent, and take priority over any queued
// non-terminal" rule.
func terminal(status string) bool {
	return status == "Success" || status == "Failed"
}

// TelemetryThrottle coalesces non-terminal step updates for a given
// node to at most one per window (spec §4.9 step 6), built on
// golang.org/x/time/rate's token bucket rather than a hand-rolled
// timestamp map: one limiter per node, refilled at 1 token per window.
type TelemetryThrottle struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[string]*rate.Limiter
	pending  map[string]StepTelemetry
}

func NewTelemetryThrottle(window time.Duration) *TelemetryThrottle {
	return &TelemetryThrottle{
		window:   window,
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string]StepTelemetry),
	}
}

func (t *TelemetryThrottle) limiterFor(nodeID string) *rate.Limiter {
	l, ok := t.limiters[nodeID]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.window), 1)
		t.limiters[nodeID] = l
	}
	return l
}

// Offer decides whether update should be sent now. Terminal updates
// are always admitted and clear any queued non-terminal update for the
// same node. Non-terminal updates are admitted only if the node's
// limiter currently has a token; otherwise the update replaces
// whatever is pending (last-write-wins coalescing) and Offer returns
// false.
func (t *TelemetryThrottle) Offer(update StepTelemetry) (send bool, out StepTelemetry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if terminal(update.Status) {
		delete(t.pending, update.NodeID)
		return true, update
	}

	if t.limiterFor(update.NodeID).Allow() {
		return true, update
	}
	t.pending[update.NodeID] = update
	return false, StepTelemetry{}
}

// FlushPending drains every coalesced non-terminal update still queued,
// intended to run on a timer alongside the event loop so no update is
// starved indefinitely.
func (t *TelemetryThrottle) FlushPending() []StepTelemetry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	out := make([]StepTelemetry, 0, len(t.pending))
	for nodeID, upd := range t.pending {
		out = append(out, upd)
		delete(t.pending, nodeID)
	}
	return out
}

// runFlushLoop periodically drains FlushPending into send, until ctx
// is cancelled.
func (t *TelemetryThrottle) runFlushLoop(ctx context.Context, send func(StepTelemetry)) {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, upd := range t.FlushPending() {
				send(upd)
			}
		}
	}
}
