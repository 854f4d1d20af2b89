package containment

import (
	"sync"
	"sync/atomic"

	"github.com/octoreflex/octoreflex/pkg/types"
)

// Store is the in-memory containment record table, sharded by pid so
// concurrent signals for unrelated processes never contend. Updates to a
// single record are serialized by its shard lock. The live record count is
// kept in an atomic so capacity checks never take a second shard lock.
type Store struct {
	shards []shard
	count  atomic.Int64
}

type shard struct {
	mu   sync.Mutex
	recs map[types.ProcessKey]*Record
}

func NewStore(shards int) *Store {
	if shards < 1 {
		shards = 1
	}
	s := &Store{shards: make([]shard, shards)}
	for i := range s.shards {
		s.shards[i].recs = make(map[types.ProcessKey]*Record)
	}
	return s
}

func (s *Store) shardFor(key types.ProcessKey) *shard {
	return &s.shards[int(key.PID)%len(s.shards)]
}

// withRecord runs fn with the shard locked and the record for key, creating
// it via create when absent. A nil create, or a create that returns nil
// (table at capacity), leaves the store untouched and returns false.
// fn must not block on I/O beyond the bounded enforcement call.
func (s *Store) withRecord(key types.ProcessKey, create func() *Record, fn func(*Record)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.recs[key]
	if !ok {
		if create == nil {
			return false
		}
		rec = create()
		if rec == nil {
			return false
		}
		sh.recs[key] = rec
		s.count.Add(1)
	}
	fn(rec)
	return true
}

// delete removes a record under its shard lock.
func (s *Store) delete(key types.ProcessKey) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.recs[key]; ok {
		delete(sh.recs, key)
		s.count.Add(-1)
	}
}

// Get returns a snapshot of the record for key.
func (s *Store) Get(key types.ProcessKey) (View, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.recs[key]
	if !ok {
		return View{}, false
	}
	return rec.view(), true
}

// Lookup finds the record for a bare pid (operator calls identify processes
// by pid; the agent resolves the live start-time). Returns false when no
// record exists for the pid.
func (s *Store) Lookup(pid uint32) (types.ProcessKey, bool) {
	sh := &s.shards[int(pid)%len(s.shards)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for k := range sh.recs {
		if k.PID == pid {
			return k, true
		}
	}
	return types.ProcessKey{}, false
}

// List returns snapshots of all records.
func (s *Store) List() []View {
	var out []View
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, rec := range sh.recs {
			out = append(out, rec.view())
		}
		sh.mu.Unlock()
	}
	return out
}

// Len returns the number of live records.
func (s *Store) Len() int {
	return int(s.count.Load())
}
