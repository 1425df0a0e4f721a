package resilience

import (
	"sync"
	"time"
)

type outcome struct {
	at     time.Time
	failed bool
}

// window is a ring of the most recent call outcomes.
type window struct {
	mu      sync.Mutex
	entries []outcome
	next    int
	filled  int
	maxAge  time.Duration
	now     func() time.Time
}

func newWindow(size int, maxAge time.Duration) *window {
	return &window{
		entries: make([]outcome, size),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

func (w *window) record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries[w.next] = outcome{at: w.now(), failed: failed}
	w.next = (w.next + 1) % len(w.entries)
	if w.filled < len(w.entries) {
		w.filled++
	}
}

// counts returns the calls and failures still inside the window.
func (w *window) counts() (calls, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var cutoff time.Time
	if w.maxAge > 0 {
		cutoff = w.now().Add(-w.maxAge)
	}
	for i := 0; i < w.filled; i++ {
		e := w.entries[i]
		if !cutoff.IsZero() && e.at.Before(cutoff) {
			continue
		}
		calls++
		if e.failed {
			failures++
		}
	}
	return calls, failures
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.next = 0
	w.filled = 0
}

func (w *window) size() int {
	return len(w.entries)
}
