// Package qtable maintains incremental value estimates keyed by
// (agent, task type, variant). It is the shared learning state behind every
// selection policy and the safety monitor, so it sits on the synchronous
// request path: reads and writes must be cheap and must not contend on a
// global lock.
package qtable

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Key identifies one arm's learning state.
type Key struct {
	Agent     string
	TaskType  string
	VariantID string
}

// Entry is a point-in-time view of one arm's estimate.
type Entry struct {
	Key       Key       `json:"key"`
	Q         float64   `json:"q"`
	Visits    int       `json:"visits"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type entry struct {
	q         float64
	visits    int
	updatedAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// Table is a sharded Q-value store. Updates to different keys proceed fully
// in parallel; updates to the same key serialize on its shard lock.
type Table struct {
	shards     [shardCount]*shard
	alphaFloor float64
}

// New creates a Table. alphaFloor bounds the learning rate from below so the
// estimate retains plasticity under non-stationary rewards.
func New(alphaFloor float64) *Table {
	if alphaFloor <= 0 || alphaFloor >= 1 {
		alphaFloor = 0.05
	}
	t := &Table{alphaFloor: alphaFloor}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return t
}

func (t *Table) shardFor(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.Agent))
	h.Write([]byte{0})
	h.Write([]byte(k.TaskType))
	h.Write([]byte{0})
	h.Write([]byte(k.VariantID))
	return t.shards[h.Sum32()%shardCount]
}

// Update applies the incremental rule Q <- Q + alpha*(reward - Q), with
// alpha = max(1/(1+visits), floor), and increments the visit count. Safe for
// concurrent callers on the same key.
func (t *Table) Update(k Key, reward float64) Entry {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}

	alpha := 1.0 / (1.0 + float64(e.visits))
	if alpha < t.alphaFloor {
		alpha = t.alphaFloor
	}
	e.q += alpha * (reward - e.q)
	e.visits++
	e.updatedAt = time.Now()

	return Entry{Key: k, Q: e.q, Visits: e.visits, UpdatedAt: e.updatedAt}
}

// Get returns the current estimate, defaulting to (0, 0) for unseen keys.
// Never errors: insufficient evidence is a safe default, not a failure.
func (t *Table) Get(k Key) (q float64, visits int) {
	s := t.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[k]
	if !ok {
		return 0, 0
	}
	return e.q, e.visits
}

// Seed installs an initial estimate for a key that has fewer visits than the
// given guard. Used by transfer-learning warm starts; entries with
// visits >= minNativeVisits are never overwritten.
func (t *Table) Seed(k Key, q float64, minNativeVisits int) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if ok && e.visits >= minNativeVisits {
		return false
	}
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	e.q = q
	e.updatedAt = time.Now()
	return true
}

// Entries returns all entries for an (agent, taskType) scope.
func (t *Table) Entries(agent, taskType string) []Entry {
	var out []Entry
	for _, s := range t.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			if k.Agent == agent && k.TaskType == taskType {
				out = append(out, Entry{Key: k, Q: e.q, Visits: e.visits, UpdatedAt: e.updatedAt})
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Snapshot returns every entry in the table.
func (t *Table) Snapshot() []Entry {
	var out []Entry
	for _, s := range t.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			out = append(out, Entry{Key: k, Q: e.q, Visits: e.visits, UpdatedAt: e.updatedAt})
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the number of keys with state.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
