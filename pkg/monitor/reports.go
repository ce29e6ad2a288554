package monitor

import (
	"sort"
	"sync"
)

// healthReports holds the latest report of every external reporter. A
// reporter stays "not well" until it reports well again.
type healthReports struct {
	mu        sync.RWMutex
	notWell   map[string]string
	seemsWell map[string]string
}

func newHealthReports() *healthReports {
	return &healthReports{
		notWell:   make(map[string]string),
		seemsWell: make(map[string]string),
	}
}

func (h *healthReports) report(reporter string, isWell bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if isWell {
		delete(h.notWell, reporter)
		h.seemsWell[reporter] = message
		return
	}
	delete(h.seemsWell, reporter)
	h.notWell[reporter] = message
}

// failing returns "reporter: message" for every not-well reporter, sorted
func (h *healthReports) failing() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.notWell))
	for id, msg := range h.notWell {
		out = append(out, id+": "+msg)
	}
	sort.Strings(out)
	return out
}

func (h *healthReports) counts() (notWell, seemsWell int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.notWell), len(h.seemsWell)
}

func (h *healthReports) snapshot() (notWell, seemsWell map[string]string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copyMap(h.notWell), copyMap(h.seemsWell)
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
