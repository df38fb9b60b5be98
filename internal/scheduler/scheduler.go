// Package scheduler implements the pending-scan table: a bounded,
// debounced, parent/child-coalescing set of "rescan this subtree" requests
// waiting for their quiet interval to elapse.
package scheduler

import "strings"

// entry is one pending (not yet triggered) rescan request.
type entry struct {
	path           string
	section        int
	firstEventTime int64
	deadline       int64
	live           bool
}

// Scheduler holds the pending-scan table. It is not safe for concurrent
// use; every method is expected to be called from the single event-loop
// goroutine.
type Scheduler struct {
	entries      []entry
	capacity     int
	quietNanos   int64
	now          func() int64
}

// New returns a Scheduler with room for capacity simultaneous pending
// scans, each debounced by quietNanos of inactivity before it is considered
// due. now is the injectable clock (nanoseconds since an arbitrary epoch);
// pass nil to use the wall clock (time.Now().UnixNano()).
func New(capacity int, quietNanos int64, now func() int64) *Scheduler {
	if now == nil {
		now = defaultClock
	}

	return &Scheduler{
		capacity:   capacity,
		quietNanos: quietNanos,
		now:        now,
	}
}

// SetQuietInterval changes the debounce interval used for every deadline
// computed from this point on, both for new entries and for bumps of
// pending ones. Deadlines already set are not recomputed; this is a live
// config-reload hook, not a retroactive rescore.
func (s *Scheduler) SetQuietInterval(quietNanos int64) {
	s.quietNanos = quietNanos
}

// Handle records that path (under section) changed, coalescing it into the
// pending-scan table per this precedence:
//
//  1. A live ancestor of path is already pending — bump its deadline and
//     return; path is already covered by that ancestor's eventual rescan.
//  2. An exact live match exists — bump its deadline.
//  3. One or more live strict descendants of path are pending — consolidate
//     them into a single new entry for path, marking the rest not-live.
//  4. Otherwise, insert a new entry, evicting the live entry with the
//     smallest deadline if the table is already at capacity.
func (s *Scheduler) Handle(path string, section int) {
	now := s.now()
	deadline := now + s.quietNanos

	if idx := s.findLiveAncestor(path); idx >= 0 {
		s.bump(idx, deadline)
		return
	}

	if idx := s.findLiveExact(path); idx >= 0 {
		s.bump(idx, deadline)
		return
	}

	if children := s.findLiveDescendants(path); len(children) > 0 {
		first := s.entries[children[0]].firstEventTime
		for _, idx := range children {
			s.entries[idx].live = false
			if s.entries[idx].firstEventTime < first {
				first = s.entries[idx].firstEventTime
			}
		}

		s.insertOrEvict(entry{
			path:           path,
			section:        section,
			firstEventTime: first,
			deadline:       deadline,
			live:           true,
		})

		return
	}

	s.insertOrEvict(entry{
		path:           path,
		section:        section,
		firstEventTime: now,
		deadline:       deadline,
		live:           true,
	})
}

// Due is a pending scan ready to be triggered.
type Due struct {
	Path    string
	Section int
}

// Pending returns every live entry whose deadline has elapsed, and removes
// them from the table. Call this after waking from NextDeadline.
func (s *Scheduler) Pending() []Due {
	now := s.now()

	var due []Due

	kept := s.entries[:0]

	for _, e := range s.entries {
		if e.live && e.deadline <= now {
			due = append(due, Due{Path: e.path, Section: e.section})
			continue
		}

		kept = append(kept, e)
	}

	s.entries = kept

	return due
}

// NextDeadline returns the earliest deadline among live entries and true,
// or false if the table has no live entries.
func (s *Scheduler) NextDeadline() (int64, bool) {
	hasLive := false

	var min int64

	for _, e := range s.entries {
		if !e.live {
			continue
		}

		if !hasLive || e.deadline < min {
			min = e.deadline
			hasLive = true
		}
	}

	return min, hasLive
}

// Len returns the number of entries currently occupying the table
// (live and not-yet-compacted not-live entries).
func (s *Scheduler) Len() int {
	return len(s.entries)
}

func (s *Scheduler) bump(idx int, deadline int64) {
	if deadline > s.entries[idx].deadline {
		s.entries[idx].deadline = deadline
	}
}

func (s *Scheduler) findLiveAncestor(path string) int {
	for i, e := range s.entries {
		if e.live && isAncestor(e.path, path) {
			return i
		}
	}

	return -1
}

func (s *Scheduler) findLiveExact(path string) int {
	for i, e := range s.entries {
		if e.live && e.path == path {
			return i
		}
	}

	return -1
}

func (s *Scheduler) findLiveDescendants(path string) []int {
	var out []int

	for i, e := range s.entries {
		if e.live && isAncestor(path, e.path) {
			out = append(out, i)
		}
	}

	return out
}

// insertOrEvict appends e to the table, compacting stale not-live entries
// first. If the table is still at capacity after compaction, the live
// entry with the smallest deadline is evicted to make room.
func (s *Scheduler) insertOrEvict(e entry) {
	s.compact()

	if len(s.entries) >= s.capacity {
		s.evictSmallestDeadline()
	}

	s.entries = append(s.entries, e)
}

func (s *Scheduler) compact() {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.live {
			kept = append(kept, e)
		}
	}

	s.entries = kept
}

func (s *Scheduler) evictSmallestDeadline() {
	if len(s.entries) == 0 {
		return
	}

	minIdx := 0
	for i, e := range s.entries {
		if e.deadline < s.entries[minIdx].deadline {
			minIdx = i
		}
	}

	s.entries = append(s.entries[:minIdx], s.entries[minIdx+1:]...)
}

// isAncestor reports whether a is a strict ancestor of b: a is a path
// prefix of b, and the next character in b after that prefix is a path
// separator or end-of-string, and a != b. The root path "/" is handled
// specially since it already ends in the separator.
func isAncestor(a, b string) bool {
	if a == b {
		return false
	}

	if a == "/" {
		return strings.HasPrefix(b, "/")
	}

	if !strings.HasPrefix(b, a) {
		return false
	}

	rest := b[len(a):]

	return len(rest) > 0 && rest[0] == '/'
}

func defaultClock() int64 {
	return nowNanos()
}
