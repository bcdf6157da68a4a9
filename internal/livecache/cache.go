// Package livecache holds the best current scam-risk snapshot for every
// in-progress session. One writer per completing segment and any number of
// polling readers operate concurrently; synchronisation is per-shard, never
// global, so sessions cannot stall each other.
package livecache

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrSessionNotFound is returned by [Cache.Get] when no entry exists for the
// session identifier.
var ErrSessionNotFound = errors.New("livecache: session not found")

// shardCount is the number of lock shards. Power of two so the shard pick is
// a cheap mask.
const shardCount = 32

// Status is the snapshot a polling client observes for one session.
type Status struct {
	// Probability is the highest segment probability seen so far.
	Probability float64

	// IsScam reports whether any segment has met the scam threshold. Once
	// set it never clears.
	IsScam bool

	// SegmentIndex is the highest segment index reflected so far, -1 before
	// the first update. It never decreases: a late-arriving result for a
	// lower index may still raise Probability but leaves the index alone.
	SegmentIndex int

	// Degraded reports that one or more segments could not be classified,
	// so Probability may understate the true risk.
	Degraded bool

	// UpdatedAt is the wall-clock time of the last update.
	UpdatedAt time.Time
}

// Update is one cache write derived from a resolved segment.
type Update struct {
	// SegmentIndex is the index of the segment the update stems from.
	SegmentIndex int

	// Probability is the segment's scam probability. Ignored when Failed.
	Probability float64

	// Failed marks a segment whose classification was unavailable. Failed
	// updates only set the Degraded flag; they never contribute a
	// probability.
	Failed bool
}

// Cache is a sharded per-session snapshot store. The zero value is not
// usable; construct with [New].
type Cache struct {
	threshold float64
	shards    [shardCount]shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Status
}

// New creates a Cache that flags sessions whose probability reaches
// threshold.
func New(threshold float64) *Cache {
	c := &Cache{threshold: threshold}
	for i := range c.shards {
		c.shards[i].sessions = make(map[string]*Status)
	}
	return c
}

// shardFor picks the shard owning sessionID.
func (c *Cache) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &c.shards[h.Sum32()&(shardCount-1)]
}

// Init registers a session with the initial snapshot
// (probability 0, not flagged, index -1). Re-initialising an existing
// session resets its entry.
func (c *Cache) Init(sessionID string) {
	sh := c.shardFor(sessionID)
	sh.mu.Lock()
	sh.sessions[sessionID] = &Status{SegmentIndex: -1, UpdatedAt: time.Now()}
	sh.mu.Unlock()
}

// Apply folds one segment outcome into the session's snapshot under the
// shard lock, so concurrent updates for the same session never interleave
// the read-modify-write. The rule is monotone: probability and the scam flag
// never regress, and the reflected index never decreases even when results
// arrive out of order.
func (c *Cache) Apply(sessionID string, u Update) error {
	sh := c.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	if u.Failed {
		st.Degraded = true
	} else {
		if u.Probability > st.Probability {
			st.Probability = u.Probability
		}
		if u.Probability >= c.threshold {
			st.IsScam = true
		}
	}
	if u.SegmentIndex > st.SegmentIndex {
		st.SegmentIndex = u.SegmentIndex
	}
	st.UpdatedAt = time.Now()
	return nil
}

// Get returns the current snapshot for sessionID, or [ErrSessionNotFound].
func (c *Cache) Get(sessionID string) (Status, error) {
	sh := c.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.sessions[sessionID]
	if !ok {
		return Status{}, ErrSessionNotFound
	}
	return *st, nil
}

// Remove deletes the session's entry. Called by the owning layer once the
// session is terminal and clients no longer poll it.
func (c *Cache) Remove(sessionID string) {
	sh := c.shardFor(sessionID)
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
}

// Len reports the number of live entries across all shards.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.RLock()
		n += len(c.shards[i].sessions)
		c.shards[i].mu.RUnlock()
	}
	return n
}
