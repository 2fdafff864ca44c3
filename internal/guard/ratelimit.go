package guard

import (
	"sync"
	"time"
)

// slidingWindow keeps request timestamps for one global and many per-domain
// windows. One mutex guards both.
type slidingWindow struct {
	mu          sync.Mutex
	window      time.Duration
	globalLimit int
	domainLimit int
	now         func() time.Time
	global      []time.Time
	domains     map[string][]time.Time
}

func newSlidingWindow(window time.Duration, globalLimit, domainLimit int, now func() time.Time) *slidingWindow {
	return &slidingWindow{
		window:      window,
		globalLimit: globalLimit,
		domainLimit: domainLimit,
		now:         now,
		domains:     make(map[string][]time.Time),
	}
}

// allow prunes both windows and, when neither is full, records now in both.
// On rejection it returns the scope that was full.
func (w *slidingWindow) allow(domain string) (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	w.global = prune(w.global, cutoff)
	perDomain := prune(w.domains[domain], cutoff)

	if w.globalLimit > 0 && len(w.global) >= w.globalLimit {
		w.store(domain, perDomain)
		return false, "global"
	}
	if w.domainLimit > 0 && len(perDomain) >= w.domainLimit {
		w.store(domain, perDomain)
		return false, domain
	}
	w.global = append(w.global, now)
	w.domains[domain] = append(perDomain, now)
	return true, ""
}

func (w *slidingWindow) store(domain string, stamps []time.Time) {
	if len(stamps) == 0 {
		delete(w.domains, domain)
		return
	}
	w.domains[domain] = stamps
}

// prune drops timestamps at or before cutoff; stamps are in ascending order.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
