// Package peerrouter implements PeerRouter: the Kademlia-style DHT over the
// 256-bit XOR metric. The bucket structure and iterative lookup algorithm
// are adapted from the teacher's pkg/dht/routing_table.go and
// pkg/dht/protocol.go, generalized from 160-bit SHA-1 NodeIDs to the
// 256-bit meshid.ID and with the raw net.Conn transport replaced by the
// abstract messenger.Messenger, per the specification's PeerLocator design
// note (§9): the router does not import any transport package.
package peerrouter

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/messenger"
)

// DefaultKBucketSize is K_BUCKET_SIZE's default per the specification.
const DefaultKBucketSize = 20

// DefaultAlpha is the default lookup parallelism.
const DefaultAlpha = 3

// bucketCount is the number of k-buckets: one per possible common-prefix
// length over a 256-bit identifier space.
const bucketCount = meshid.Size * 8

// bucket is a least-recently-seen ordered list of contacts, capacity
// DefaultKBucketSize (or whatever the table was constructed with).
type bucket struct {
	mu       sync.Mutex
	capacity int
	entries  *list.List // front = least-recently-seen, back = most-recently-seen
	index    map[meshid.PeerId]*list.Element
}

func newBucket(capacity int) *bucket {
	return &bucket{capacity: capacity, entries: list.New(), index: make(map[meshid.PeerId]*list.Element)}
}

// touch moves an existing contact to the back (most-recently-seen) or
// inserts a new one at the back if there is room. It returns the contact
// that must be liveness-probed when the bucket is full and rec is new
// (the front element), or nil if rec was accepted without eviction.
func (b *bucket) touch(rec messenger.PeerRecord) *messenger.PeerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.index[rec.PeerID]; ok {
		el.Value = rec
		b.entries.MoveToBack(el)
		return nil
	}
	if b.entries.Len() < b.capacity {
		el := b.entries.PushBack(rec)
		b.index[rec.PeerID] = el
		return nil
	}
	front := b.entries.Front()
	candidate := front.Value.(messenger.PeerRecord)
	return &candidate
}

// evictAndInsert replaces the least-recently-seen entry (which failed its
// liveness probe) with rec.
func (b *bucket) evictAndInsert(stale messenger.PeerRecord, rec messenger.PeerRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.index[stale.PeerID]; ok {
		b.entries.Remove(el)
		delete(b.index, stale.PeerID)
	}
	newEl := b.entries.PushBack(rec)
	b.index[rec.PeerID] = newEl
}

func (b *bucket) remove(id meshid.PeerId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.index[id]; ok {
		b.entries.Remove(el)
		delete(b.index, id)
	}
}

func (b *bucket) get(id meshid.PeerId) (messenger.PeerRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.index[id]; ok {
		return el.Value.(messenger.PeerRecord), true
	}
	return messenger.PeerRecord{}, false
}

func (b *bucket) all() []messenger.PeerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]messenger.PeerRecord, 0, b.entries.Len())
	for el := b.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(messenger.PeerRecord))
	}
	return out
}

func (b *bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

// removeStale evicts every contact last seen before cutoff (unix millis),
// returning the number removed.
func (b *bucket) removeStale(cutoff int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for el := b.entries.Front(); el != nil; {
		next := el.Next()
		rec := el.Value.(messenger.PeerRecord)
		if rec.LastSeen < cutoff {
			b.entries.Remove(el)
			delete(b.index, rec.PeerID)
			removed++
		}
		el = next
	}
	return removed
}

// RoutingTable is the k-bucket structure. Each bucket guards its entries
// with its own mutex, which Add, Remove and the readers (FindClosest, All,
// Size) take one bucket at a time from whichever goroutine calls them: a
// reader can briefly block a writer on the same bucket, and a read spanning
// several buckets is not one atomic snapshot of the table. No bucket lock is
// held across network I/O.
type RoutingTable struct {
	self    meshid.PeerId
	buckets [bucketCount]*bucket

	staleTTL time.Duration
	clock    clock.Clock
}

// NewRoutingTable constructs an empty table for self with the given
// per-bucket capacity.
func NewRoutingTable(self meshid.PeerId, kBucketSize int, staleTTL time.Duration, c clock.Clock) *RoutingTable {
	if kBucketSize <= 0 {
		kBucketSize = DefaultKBucketSize
	}
	if c == nil {
		c = clock.New()
	}
	rt := &RoutingTable{self: self, staleTTL: staleTTL, clock: c}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(kBucketSize)
	}
	return rt
}

func (rt *RoutingTable) bucketIndex(id meshid.PeerId) int {
	cpl := rt.self.CommonPrefixLen(id)
	if cpl >= bucketCount {
		cpl = bucketCount - 1
	}
	return cpl
}

// probeFn is supplied by the Router (which owns a Messenger) so the table
// itself never depends on a transport.
type probeFn func(messenger.PeerRecord) bool

// Add inserts or refreshes rec. If rec's bucket is full, probe is called
// against the least-recently-seen entry: if it responds, rec is dropped;
// otherwise the stale entry is evicted and rec inserted.
func (rt *RoutingTable) Add(rec messenger.PeerRecord, probe probeFn) bool {
	if rec.PeerID == rt.self {
		return false
	}
	rec.LastSeen = rt.clock.Now().UnixMilli()
	b := rt.buckets[rt.bucketIndex(rec.PeerID)]
	stale := b.touch(rec)
	if stale == nil {
		return true
	}
	if probe != nil && probe(*stale) {
		return false // stale peer is still alive; newcomer dropped
	}
	b.evictAndInsert(*stale, rec)
	return true
}

// Remove drops id from whichever bucket holds it.
func (rt *RoutingTable) Remove(id meshid.PeerId) {
	rt.buckets[rt.bucketIndex(id)].remove(id)
}

// Get looks up a single known peer by id.
func (rt *RoutingTable) Get(id meshid.PeerId) (messenger.PeerRecord, bool) {
	return rt.buckets[rt.bucketIndex(id)].get(id)
}

// FindClosest returns up to n peers closest to target, ordered by
// (xor_distance ASC, rtt_estimate ASC, peer_id ASC) per the specification's
// frontier tie-break rule.
func (rt *RoutingTable) FindClosest(target meshid.ID, n int) []messenger.PeerRecord {
	var all []messenger.PeerRecord
	for _, b := range rt.buckets {
		all = append(all, b.all()...)
	}
	sort.Slice(all, func(i, j int) bool {
		return closerOrdered(all[i], all[j], target)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func closerOrdered(a, b messenger.PeerRecord, target meshid.ID) bool {
	da := a.PeerID.Xor(target)
	db := b.PeerID.Xor(target)
	if da != db {
		return da.Less(db)
	}
	if a.RTTEstimate != b.RTTEstimate {
		return a.RTTEstimate < b.RTTEstimate
	}
	return a.PeerID.Less(b.PeerID)
}

// Size returns the total number of known peers across all buckets.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.len()
	}
	return total
}

// ExpireStale evicts every contact not seen within staleTTL, per the
// specification's churn-handling rule (§4.3): a contact that neither
// refreshed a bucket slot nor survived a liveness probe within staleTTL is
// dropped outright rather than waiting for its bucket to fill up. A
// non-positive staleTTL disables the sweep (the table falls back to the
// full-bucket-plus-probe eviction policy alone). Returns the total number of
// contacts evicted.
func (rt *RoutingTable) ExpireStale() int {
	if rt.staleTTL <= 0 {
		return 0
	}
	cutoff := rt.clock.Now().Add(-rt.staleTTL).UnixMilli()
	total := 0
	for _, b := range rt.buckets {
		total += b.removeStale(cutoff)
	}
	return total
}

// All returns every known peer, for diagnostics/self-lookup refresh.
func (rt *RoutingTable) All() []messenger.PeerRecord {
	var out []messenger.PeerRecord
	for _, b := range rt.buckets {
		out = append(out, b.all()...)
	}
	return out
}
