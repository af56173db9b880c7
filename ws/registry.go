// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ws

import (
	"sync"
	"sync/atomic"

	"github.com/minio/highwayhash"
)

const registryShardCount = 32

var registryHashKey = [highwayhash.Size]byte{} // zero key: uniform sharding, not a security boundary

// UnregisterReason explains why a connection left the registry.
type UnregisterReason int

const (
	ReasonNormal UnregisterReason = iota
	ReasonTimeout
	ReasonError
)

// RegistryStats are the aggregate counters spec.md §4.5 requires.
type RegistryStats struct {
	Active          int
	Total           uint64
	Peak            int
	NormalClosures  uint64
	TimeoutClosures uint64
	ErrorClosures   uint64
}

type registryShard struct {
	mu   sync.RWMutex
	byID map[uint64]*Connection
}

// Registry assigns monotonically increasing connection IDs, tracks active
// sessions, and supports broadcast and idle-timeout eviction. Grounded on
// aerosocket-server/src/manager.rs's ConnectionManager, generalized from a
// single HashMap+Mutex into the sharded-map shape spec.md §5 permits
// ("operations are O(1)") once there is contention from more than one
// accept-loop goroutine.
type Registry struct {
	maxConnections int

	nextID uint64 // atomic
	active int64  // atomic; authoritative count for the max_connections check

	shards [registryShardCount]*registryShard

	statsMu sync.Mutex
	stats   RegistryStats
}

// NewRegistry constructs an empty Registry enforcing maxConnections (0
// means unlimited).
func NewRegistry(maxConnections int) *Registry {
	r := &Registry{maxConnections: maxConnections}
	for i := range r.shards {
		r.shards[i] = &registryShard{byID: make(map[uint64]*Connection)}
	}
	return r
}

func (r *Registry) shardFor(id uint64) *registryShard {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (56 - 8*i))
	}
	h := highwayhash.Sum64(b[:], registryHashKey[:])
	return r.shards[h%uint64(registryShardCount)]
}

// Register assigns a monotonically increasing id to conn and stores it.
// Fails with KindCapacity if doing so would exceed maxConnections; the
// registry is the authoritative limit even though callers are expected to
// have pre-checked in the accept loop (spec.md §4.5).
//
// The check against maxConnections and the increment that reserves a slot
// are one atomic step via a CAS loop on r.active, so two Register calls
// racing at the cap cannot both observe "one below max" and both succeed;
// only one claims the slot, the loser is turned away with a capacity error.
func (r *Registry) Register(conn *Connection) (uint64, error) {
	for {
		cur := atomic.LoadInt64(&r.active)
		if r.maxConnections > 0 && cur >= int64(r.maxConnections) {
			return 0, CapacityError("registry at max_connections (%d)", r.maxConnections)
		}
		if atomic.CompareAndSwapInt64(&r.active, cur, cur+1) {
			break
		}
	}

	id := atomic.AddUint64(&r.nextID, 1)
	conn.bindID(id)

	shard := r.shardFor(id)
	shard.mu.Lock()
	shard.byID[id] = conn
	shard.mu.Unlock()

	r.statsMu.Lock()
	r.stats.Total++
	active := int(atomic.LoadInt64(&r.active))
	r.stats.Active = active
	if active > r.stats.Peak {
		r.stats.Peak = active
	}
	r.statsMu.Unlock()

	return id, nil
}

// Unregister removes id from the registry and updates the closure-reason
// counters. It is a no-op if id is not present.
func (r *Registry) Unregister(id uint64, reason UnregisterReason) {
	shard := r.shardFor(id)
	shard.mu.Lock()
	_, present := shard.byID[id]
	delete(shard.byID, id)
	shard.mu.Unlock()
	if !present {
		return
	}
	atomic.AddInt64(&r.active, -1)

	r.statsMu.Lock()
	r.stats.Active = int(atomic.LoadInt64(&r.active))
	switch reason {
	case ReasonTimeout:
		r.stats.TimeoutClosures++
	case ReasonError:
		r.stats.ErrorClosures++
	default:
		r.stats.NormalClosures++
	}
	r.statsMu.Unlock()
}

// Get looks up a single connection by id.
func (r *Registry) Get(id uint64) (*Connection, bool) {
	shard := r.shardFor(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	c, ok := shard.byID[id]
	return c, ok
}

// Count returns the current number of registered connections. Backed by the
// same atomic counter Register checks against maxConnections, so it is
// always consistent with the capacity invariant rather than a separate
// derived tally that could momentarily disagree with it.
func (r *Registry) Count() int {
	return int(atomic.LoadInt64(&r.active))
}

// Snapshot returns a point-in-time copy of every registered connection.
// Per spec.md §5, callers must tolerate connections that register or
// unregister during iteration of a previously taken snapshot not being
// reflected in it.
func (r *Registry) Snapshot() []*Connection {
	out := make([]*Connection, 0, r.Count())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.byID {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}

// BroadcastText sends a Text message to every connection in a snapshot
// except the one whose id equals exclude (pass 0, an id never assigned, to
// exclude none). A failing send is ignored — it does not abort the
// broadcast and does not itself evict the connection; per spec.md §4.5 the
// connection's next Send/Next call will surface the error.
func (r *Registry) BroadcastText(text string, exclude uint64) {
	for _, c := range r.Snapshot() {
		if c.ID() == exclude {
			continue
		}
		_ = c.SendText(text)
	}
}

// BroadcastBinary is BroadcastText for binary payloads.
func (r *Registry) BroadcastBinary(data []byte, exclude uint64) {
	for _, c := range r.Snapshot() {
		if c.ID() == exclude {
			continue
		}
		_ = c.SendBinary(data)
	}
}

// SweepIdle unregisters (with ReasonTimeout) and evicts every connection
// whose idle time exceeds its configured idle_timeout. Intended to be
// called periodically (every 30s by default) by the server driver.
func (r *Registry) SweepIdle() {
	for _, c := range r.Snapshot() {
		if c.IsTimedOut() {
			r.Unregister(c.ID(), ReasonTimeout)
			c.Evict()
		}
	}
}

// Stats returns a snapshot of the aggregate counters.
func (r *Registry) Stats() RegistryStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// CloseAll sends Close(1001, reason) to every registered connection. Used
// by the server driver's shutdown path (spec.md §4.7).
func (r *Registry) CloseAll(reason string) {
	for _, c := range r.Snapshot() {
		_ = c.Close(CloseGoingAway, reason)
	}
}
