// Package store owns all per-session orientation state. Sessions live in a
// sharded concurrent map; field updates serialize on a per-entry lock so
// the janitor and connection handlers can work the same session without a
// global lock.
package store

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/ltp-dev/ltp/pkg/protocol"
)

const shardCount = 32

type entry struct {
	mu              sync.Mutex
	lastSeen        time.Time
	focusMomentum   *float64
	timeOrientation *protocol.TimeOrientation
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// Store is the concurrent session map. The zero value is not usable; call
// New.
type Store struct {
	shards [shardCount]*shard
	count  int64
	mu     sync.Mutex // guards count
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*entry)}
	}
	return s
}

// Snapshot is a copy of one session's state.
type Snapshot struct {
	FocusMomentum   *float64
	TimeOrientation *protocol.TimeOrientation
	LastSeen        time.Time
}

// ExpireStats summarizes one TTL sweep.
type ExpireStats struct {
	Scanned      int
	Expired      int
	SkippedLocks int
	Sweep        time.Duration
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// getOrCreate returns the entry for id, inserting one when absent.
func (s *Store) getOrCreate(id string) (*entry, bool) {
	sh := s.shardFor(id)

	sh.mu.RLock()
	e, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if ok {
		return e, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.sessions[id]; ok {
		return e, false
	}
	e = &entry{lastSeen: time.Now()}
	sh.sessions[id] = e

	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return e, true
}

// TouchHeartbeat upserts the session and refreshes last_seen. It reports
// whether a new entry was inserted.
func (s *Store) TouchHeartbeat(id string) bool {
	e, created := s.getOrCreate(id)
	e.mu.Lock()
	e.lastSeen = time.Now()
	e.mu.Unlock()
	return created
}

// UpdateOrientation upserts the session and replaces only the fields
// provided, refreshing last_seen. It reports whether a new entry was
// inserted.
func (s *Store) UpdateOrientation(id string, fm *float64, to *protocol.TimeOrientation) bool {
	e, created := s.getOrCreate(id)
	e.mu.Lock()
	if fm != nil {
		v := *fm
		e.focusMomentum = &v
	}
	if to != nil {
		v := *to
		e.timeOrientation = &v
	}
	e.lastSeen = time.Now()
	e.mu.Unlock()
	return created
}

// Snapshot returns a copy of the session's state, or ok=false when the
// session does not exist.
func (s *Store) Snapshot(id string) (Snapshot, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{LastSeen: e.lastSeen}
	if e.focusMomentum != nil {
		v := *e.focusMomentum
		snap.FocusMomentum = &v
	}
	if e.timeOrientation != nil {
		v := *e.timeOrientation
		snap.TimeOrientation = &v
	}
	return snap, true
}

// Remove deletes the session and reports whether it existed.
func (s *Store) Remove(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	_, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.count--
		s.mu.Unlock()
	}
	return ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.count)
}

// idleFor returns how long the entry has been idle at now. A last_seen in
// the future contributes zero idleness so a clock glitch never expires a
// live session.
func idleFor(now, lastSeen time.Time) time.Duration {
	idle := now.Sub(lastSeen)
	if idle < 0 {
		return 0
	}
	return idle
}

// ExpireIdle removes sessions idle for at least ttl. The sweep is two-pass
// and never blocks on a held entry lock: held entries are skipped and left
// for the next tick, and each candidate is re-checked with a fresh clock
// reading immediately before removal so a session touched mid-sweep
// survives.
func (s *Store) ExpireIdle(ttl time.Duration) ExpireStats {
	start := time.Now()
	stats := ExpireStats{}

	type candidate struct {
		id string
		e  *entry
		sh *shard
	}
	var candidates []candidate

	for _, sh := range s.shards {
		sh.mu.RLock()
		ids := make([]string, 0, len(sh.sessions))
		entries := make([]*entry, 0, len(sh.sessions))
		for id, e := range sh.sessions {
			ids = append(ids, id)
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		now := time.Now()
		for i, e := range entries {
			stats.Scanned++
			if !e.mu.TryLock() {
				stats.SkippedLocks++
				continue
			}
			idle := idleFor(now, e.lastSeen)
			future := e.lastSeen.After(now)
			e.mu.Unlock()
			if !future && idle >= ttl {
				candidates = append(candidates, candidate{id: ids[i], e: e, sh: sh})
			}
		}
	}

	for _, c := range candidates {
		if !c.e.mu.TryLock() {
			stats.SkippedLocks++
			continue
		}
		now := time.Now()
		stillIdle := !c.e.lastSeen.After(now) && idleFor(now, c.e.lastSeen) >= ttl
		c.e.mu.Unlock()
		if !stillIdle {
			continue
		}

		c.sh.mu.Lock()
		if cur, ok := c.sh.sessions[c.id]; ok && cur == c.e {
			delete(c.sh.sessions, c.id)
			stats.Expired++
		}
		c.sh.mu.Unlock()
	}

	if stats.Expired > 0 {
		s.mu.Lock()
		s.count -= int64(stats.Expired)
		s.mu.Unlock()
	}

	stats.Sweep = time.Since(start)
	return stats
}
