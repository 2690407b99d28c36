// Package callerid chooses the outbound caller identity and trunk for each
// call attempt, balancing live usage against per-entry capacity.
package callerid

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrNoCallerIDAvailable indicates no active entry exists at all.
var ErrNoCallerIDAvailable = errors.New("no caller id available")

// Entry is one selectable caller-ID/trunk pair.
type Entry struct {
	Number   string
	Trunk    string
	Priority int // lower = higher priority
	Capacity int // maximum concurrent calls
	Active   bool
}

// Selection is a held caller-ID slot. Release it exactly once when the
// attempt finalizes.
type Selection struct {
	Number string
	Trunk  string

	selector *Selector
	index    int
	released bool
	mu       sync.Mutex
}

// Release returns the slot. Safe to call multiple times.
func (s *Selection) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()
	s.selector.release(s.index)
}

// EntryStats is a usage snapshot for one entry.
type EntryStats struct {
	Number   string `json:"number"`
	Trunk    string `json:"trunk"`
	Priority int    `json:"priority"`
	Capacity int    `json:"capacity"`
	InUse    int    `json:"in_use"`
	Active   bool   `json:"active"`
}

// Selector ranks entries by load and hands out slots. Usage counters are
// mutated under one lock so concurrent attempts cannot oversubscribe an
// entry past its capacity (outside the explicit fallback).
type Selector struct {
	mu      sync.Mutex
	entries []Entry
	usage   []int
	logger  *slog.Logger
}

// NewSelector creates a selector over the given entries.
func NewSelector(entries []Entry, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		entries: append([]Entry(nil), entries...),
		usage:   make([]int, len(entries)),
		logger:  logger,
	}
}

// Acquire picks the best available entry for the destination and increments
// its usage. Entries under capacity are preferred; when every active entry is
// saturated the least-loaded one is returned anyway rather than failing the
// attempt. Only a total absence of active entries yields
// ErrNoCallerIDAvailable.
func (s *Selector) Acquire(destination string) (*Selection, error) {
	s.mu.Lock()

	candidates := s.candidateIndexes(true)
	fallback := false
	if len(candidates) == 0 {
		candidates = s.candidateIndexes(false)
		fallback = true
	}
	if len(candidates) == 0 {
		s.mu.Unlock()
		s.logger.Warn("[CallerID] No active entries", "destination", destination)
		return nil, ErrNoCallerIDAvailable
	}

	s.rank(candidates)
	best := candidates[0]
	s.usage[best]++
	entry := s.entries[best]
	inUse := s.usage[best]
	s.mu.Unlock()

	// Best-effort selection log for offline tuning; never blocks selection.
	s.logger.Debug("[CallerID] Selected",
		"destination", destination,
		"number", entry.Number,
		"trunk", entry.Trunk,
		"in_use", inUse,
		"capacity", entry.Capacity,
		"fallback", fallback,
	)

	return &Selection{
		Number:   entry.Number,
		Trunk:    entry.Trunk,
		selector: s,
		index:    best,
	}, nil
}

// candidateIndexes returns active entries, optionally only those below
// capacity. Caller holds the lock.
func (s *Selector) candidateIndexes(underCapacity bool) []int {
	var out []int
	for i, e := range s.entries {
		if !e.Active {
			continue
		}
		if underCapacity && s.usage[i] >= e.Capacity {
			continue
		}
		out = append(out, i)
	}
	return out
}

// rank orders candidates by ascending load ratio, ties broken by ascending
// priority number. Caller holds the lock.
func (s *Selector) rank(candidates []int) {
	sort.SliceStable(candidates, func(a, b int) bool {
		ia, ib := candidates[a], candidates[b]
		la := loadRatio(s.usage[ia], s.entries[ia].Capacity)
		lb := loadRatio(s.usage[ib], s.entries[ib].Capacity)
		if la != lb {
			return la < lb
		}
		return s.entries[ia].Priority < s.entries[ib].Priority
	})
}

func loadRatio(usage, capacity int) float64 {
	if capacity <= 0 {
		return float64(usage)
	}
	return float64(usage) / float64(capacity)
}

func (s *Selector) release(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.usage) && s.usage[index] > 0 {
		s.usage[index]--
	}
}

// Stats returns a usage snapshot of every entry.
func (s *Selector) Stats() []EntryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryStats, len(s.entries))
	for i, e := range s.entries {
		out[i] = EntryStats{
			Number:   e.Number,
			Trunk:    e.Trunk,
			Priority: e.Priority,
			Capacity: e.Capacity,
			InUse:    s.usage[i],
			Active:   e.Active,
		}
	}
	return out
}
