package cycle

import (
	"sync"
	"weak"
)

// registryMinRing is the ring length below which add never compacts.
const registryMinRing = 256

// registry tracks live tasks using weak pointers, so that a suspended task
// nothing can ever wake (no handle, no pending waker) can still be
// collected. It is sharded per worker: a task spawned on a worker lands in
// that worker's shard, external spawns are spread by ID, and each worker
// scavenges its own shard.
type registry struct {
	shards []registryShard
}

// registryShard holds a map of live tasks, and a ring of IDs for
// incremental scavenging.
type registryShard struct {
	// data maps live task IDs to weak pointers.
	data map[uint64]weak.Pointer[task]

	// ring is a circular buffer of IDs, zeroed once removed.
	ring []uint64

	// head is the scavenger's cursor into ring.
	head int

	// compactAt is the ring length at which add compacts.
	compactAt int

	mu sync.RWMutex

	// scavengeMu serializes scavenge passes.
	scavengeMu sync.Mutex

	_ [sizeOfCacheLine]byte
}

func newRegistry(shards int) *registry {
	r := &registry{shards: make([]registryShard, max(shards, 1))}
	for i := range r.shards {
		r.shards[i].data = make(map[uint64]weak.Pointer[task])
		r.shards[i].ring = make([]uint64, 0, registryMinRing)
		r.shards[i].compactAt = registryMinRing
	}
	return r
}

// add records t in shard hint, or in a shard picked by ID if hint is
// negative.
func (r *registry) add(t *task, hint int) {
	if hint < 0 || hint >= len(r.shards) {
		hint = int(t.id % uint64(len(r.shards)))
	}
	t.shard = uint32(hint)
	r.shards[hint].add(t)
}

// remove is called when a task reaches a terminal state.
func (r *registry) remove(t *task) {
	r.shards[t.shard].remove(t.id)
}

func (r *registry) Len() int {
	n := 0
	for i := range r.shards {
		n += r.shards[i].Len()
	}
	return n
}

// scavenge checks up to batchSize ring slots of every shard, returning the
// number of tasks that were collected without reaching a terminal state.
func (r *registry) scavenge(batchSize int) int {
	leaked := 0
	for i := range r.shards {
		if n := r.shards[i].scavenge(batchSize); n > 0 {
			leaked += n
		}
	}
	return leaked
}

// scavengeShard is scavenge for a single shard, returning -1 if another
// pass over it is in progress.
func (r *registry) scavengeShard(shard, batchSize int) int {
	return r.shards[shard%len(r.shards)].scavenge(batchSize)
}

// forEach calls fn for every live task, outside the locks.
func (r *registry) forEach(fn func(t *task)) {
	var tasks []*task
	for i := range r.shards {
		tasks = r.shards[i].appendLive(tasks)
	}
	for _, t := range tasks {
		fn(t)
	}
}

func (r *registryShard) add(t *task) {
	wp := weak.Make(t)
	r.mu.Lock()
	r.data[t.id] = wp
	r.ring = append(r.ring, t.id)
	if len(r.ring) >= r.compactAt {
		r.compactAndRenew()
	}
	r.mu.Unlock()
}

// remove deletes the entry. The ring slot is zeroed lazily, by scavenge or
// the next compaction.
func (r *registryShard) remove(id uint64) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

func (r *registryShard) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *registryShard) ringLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ring)
}

func (r *registryShard) appendLive(dst []*task) []*task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, wp := range r.data {
		if t := wp.Value(); t != nil {
			dst = append(dst, t)
		}
	}
	return dst
}

// scavenge checks up to batchSize ring slots, returning the number of tasks
// that were collected without ever reaching a terminal state. Returns -1
// without doing anything if another scavenge is in progress.
func (r *registryShard) scavenge(batchSize int) int {
	if batchSize <= 0 || !r.scavengeMu.TryLock() {
		return -1
	}
	defer r.scavengeMu.Unlock()

	type item struct {
		wp    weak.Pointer[task]
		id    uint64
		idx   int
		stale bool
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return 0
	}
	start := r.head
	if start >= ringLen {
		start = 0
	}
	end := min(start+batchSize, ringLen)
	items := make([]item, 0, end-start)
	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		wp, ok := r.data[id]
		items = append(items, item{wp: wp, id: id, idx: i, stale: !ok})
	}
	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	cycleCompleted := nextHead == 0

	// check outside the lock
	var toRemove []item
	leaked := 0
	for _, it := range items {
		if it.stale {
			toRemove = append(toRemove, it)
			continue
		}
		if it.wp.Value() == nil {
			toRemove = append(toRemove, it)
			leaked++
		}
	}

	r.mu.Lock()
	for _, it := range toRemove {
		if !it.stale {
			if wp, ok := r.data[it.id]; ok && wp == it.wp {
				delete(r.data, it.id)
			} else {
				leaked--
				continue
			}
		}
		// slots move on compaction, and IDs are unique
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}
	r.head = nextHead
	if cycleCompleted {
		// compact when the load factor drops below 25%
		if capacity := len(r.ring); capacity > registryMinRing && len(r.data) < capacity/4 {
			r.compactAndRenew()
		}
	}
	r.mu.Unlock()

	return leaked
}

// compactAndRenew drops removed ring slots and rebuilds the map, since
// delete does not shrink a map's buckets. The next compaction by add is at
// double the surviving length. Must be called with mu held.
func (r *registryShard) compactAndRenew() {
	newRing := make([]uint64, 0, max(len(r.data), registryMinRing))
	newData := make(map[uint64]weak.Pointer[task], len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			newRing = append(newRing, id)
			newData[id] = wp
		}
	}
	r.ring = newRing
	r.data = newData
	r.head = 0
	r.compactAt = max(2*len(newRing), registryMinRing)
}
