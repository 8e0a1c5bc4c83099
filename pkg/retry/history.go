package retry

import (
	"sync"
	"time"
)

// delayHistory keeps a bounded window of delays that preceded a successful retry, per error class.
type delayHistory struct {
	window int

	mu      sync.Mutex
	entries map[string][]time.Duration
}

func newDelayHistory(window int) *delayHistory {
	return &delayHistory{window: window, entries: make(map[string][]time.Duration)}
}

func (h *delayHistory) record(class string, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.entries[class], delay)
	if len(entries) > h.window {
		entries = append([]time.Duration(nil), entries[len(entries)-h.window:]...)
	}
	h.entries[class] = entries
}

func (h *delayHistory) average(class string) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.entries[class]
	if len(entries) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, d := range entries {
		total += d
	}
	return total / time.Duration(len(entries)), true
}
