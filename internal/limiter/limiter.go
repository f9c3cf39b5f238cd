// Package limiter provides the node's token buckets: one per connection,
// bound at handshake, and one per peer IP, kept in a sharded table the
// janitor prunes by TTL.
package limiter

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket with lazy refill. Allow consumes one token when
// available and never waits.
type Bucket struct {
	lim *rate.Limiter
}

// NewBucket builds a bucket refilling at rps tokens per second with the
// given burst capacity. rps <= 0 disables limiting.
func NewBucket(rps float64, burst int) *Bucket {
	if rps <= 0 {
		return &Bucket{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Bucket{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one token was available and consumes it.
func (b *Bucket) Allow() bool {
	return b.lim.Allow()
}

const ipShardCount = 16

type ipEntry struct {
	bucket   *Bucket
	lastSeen time.Time
}

type ipShard struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
}

// IPTable rate-limits by peer address. Entries are created on first sight
// and evicted by Prune once idle past the TTL.
type IPTable struct {
	rps    float64
	burst  int
	shards [ipShardCount]*ipShard
}

// NewIPTable builds an empty table; every per-IP bucket uses the given
// rate and burst.
func NewIPTable(rps float64, burst int) *IPTable {
	t := &IPTable{rps: rps, burst: burst}
	for i := range t.shards {
		t.shards[i] = &ipShard{entries: make(map[string]*ipEntry)}
	}
	return t
}

func (t *IPTable) shardFor(ip string) *ipShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return t.shards[h.Sum32()%ipShardCount]
}

// Allow consumes a token from the bucket for ip, creating the bucket on
// first sight, and refreshes the entry's last-seen time.
func (t *IPTable) Allow(ip string) bool {
	sh := t.shardFor(ip)
	sh.mu.Lock()
	e, ok := sh.entries[ip]
	if !ok {
		e = &ipEntry{bucket: NewBucket(t.rps, t.burst)}
		sh.entries[ip] = e
	}
	e.lastSeen = time.Now()
	sh.mu.Unlock()

	return e.bucket.Allow()
}

// Prune removes entries idle for at least ttl and returns how many were
// evicted. A last-seen in the future counts as zero idleness.
func (t *IPTable) Prune(ttl time.Duration) int {
	pruned := 0
	for _, sh := range t.shards {
		now := time.Now()
		sh.mu.Lock()
		for ip, e := range sh.entries {
			idle := now.Sub(e.lastSeen)
			if idle < 0 {
				idle = 0
			}
			if idle >= ttl {
				delete(sh.entries, ip)
				pruned++
			}
		}
		sh.mu.Unlock()
	}
	return pruned
}

// Len returns the number of tracked peer addresses.
func (t *IPTable) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
