package shareproc

import (
	"hash/fnv"
	"sync"
	"time"
)

const dedupShardCount = 64

// dedupShard is one lock-striped slice of the dedup set.
type dedupShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// dedupCache is a bounded time-indexed set of share fingerprints. Entries
// live for at least the TTL; a periodic sweep evicts expired ones. Sharding
// keeps contention off the hot submission path.
type dedupCache struct {
	shards [dedupShardCount]*dedupShard
	ttl    time.Duration
}

func newDedupCache(ttl time.Duration) *dedupCache {
	c := &dedupCache{ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &dedupShard{entries: make(map[string]time.Time)}
	}
	return c
}

func (c *dedupCache) shard(fingerprint string) *dedupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return c.shards[h.Sum32()%dedupShardCount]
}

// Seen inserts the fingerprint and reports whether it was already present
// within the TTL. Insert-if-absent is atomic per shard, so concurrent
// duplicates resolve to exactly one first submission.
func (c *dedupCache) Seen(fingerprint string, now time.Time) bool {
	s := c.shard(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.entries[fingerprint]; ok && now.Before(expiry) {
		return true
	}
	s.entries[fingerprint] = now.Add(c.ttl)
	return false
}

// Sweep removes expired entries. Called periodically by the processor.
func (c *dedupCache) Sweep(now time.Time) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, expiry := range s.entries {
			if !now.Before(expiry) {
				delete(s.entries, fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live entries across all shards.
func (c *dedupCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
