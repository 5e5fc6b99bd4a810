package peerrouter

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/merrors"
	"github.com/datamesh/datamesh/pkg/messenger"
)

// RouterConfig carries the DHT knobs from the ambient Config.
type RouterConfig struct {
	KBucketSize       int
	Alpha             int
	ReplicationFactor int
	BucketStaleTTL    time.Duration
	SmallRPCTimeout   time.Duration
	ValueTTL          time.Duration
}

// DefaultRouterConfig mirrors config.Default()'s DHT-relevant fields.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		KBucketSize:       DefaultKBucketSize,
		Alpha:             DefaultAlpha,
		ReplicationFactor: 3,
		BucketStaleTTL:    time.Hour,
		SmallRPCTimeout:   5 * time.Second,
		ValueTTL:          24 * time.Hour,
	}
}

// Router implements PeerRouter: the Kademlia-style DHT. It depends only on
// messenger.Messenger, never on a concrete transport, per the specification's
// PeerLocator design note.
type Router struct {
	self      messenger.PeerRecord
	table     *RoutingTable
	values    *valueStore
	transport messenger.Messenger
	cfg       RouterConfig
	clock     clock.Clock
	log       *zap.Logger
	signKey   ed25519.PrivateKey // signs every descriptor this node publishes via Put

	livenessCache *lru.Cache // allocated at construction; AddPeer does not consult it and pings on every full-bucket insert
}

// New constructs a Router for self, sending RPCs through transport. signKey
// signs every value this router publishes via Put; peers' HandleStore checks
// that signature against the public key the entry carries before accepting
// it. A key is generated if signKey is empty.
func New(self messenger.PeerRecord, transport messenger.Messenger, cfg RouterConfig, signKey ed25519.PrivateKey, c clock.Clock, log *zap.Logger) *Router {
	if c == nil {
		c = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if len(signKey) == 0 {
		_, signKey, _ = ed25519.GenerateKey(rand.Reader)
	}
	cache, _ := lru.New(1024)
	return &Router{
		self:          self,
		table:         NewRoutingTable(self.PeerID, cfg.KBucketSize, cfg.BucketStaleTTL, c),
		values:        newValueStore(c),
		transport:     transport,
		cfg:           cfg,
		clock:         c,
		log:           log,
		signKey:       signKey,
		livenessCache: cache,
	}
}

// Self returns the router's own PeerRecord.
func (r *Router) Self() messenger.PeerRecord { return r.self }

// Table exposes the routing table for diagnostics and PlacementEngine use.
func (r *Router) Table() *RoutingTable { return r.table }

// AddPeer inserts peer into the routing table, probing the bucket's
// least-recently-seen entry if the bucket is full.
func (r *Router) AddPeer(ctx context.Context, peer messenger.PeerRecord) bool {
	return r.table.Add(peer, func(stale messenger.PeerRecord) bool {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.SmallRPCTimeout)
		defer cancel()
		err := r.transport.Ping(pctx, stale)
		return err == nil
	})
}

// Bootstrap seeds the routing table from a known contact and performs a
// self-lookup to populate nearby buckets.
func (r *Router) Bootstrap(ctx context.Context, contact messenger.PeerRecord) error {
	r.AddPeer(ctx, contact)
	_, err := r.FindNode(ctx, r.self.PeerID)
	return err
}

// candidate tracks a peer's lookup state within one iterative query.
type candidate struct {
	peer     messenger.PeerRecord
	queried  bool
	response bool
}

// FindNode runs the iterative FIND_NODE lookup described in the
// specification: seed alpha closest local peers, query rounds of up to
// alpha pending candidates in parallel, merge results into a distance-sorted
// frontier, and terminate when a round yields no closer peer or the query
// budget is exhausted.
func (r *Router) FindNode(ctx context.Context, target meshid.ID) ([]messenger.PeerRecord, error) {
	peers, _, _, err := r.iterativeLookup(ctx, target, false)
	return peers, err
}

// FindValue runs the same iterative algorithm but also asks each candidate
// for a locally-cached value; the first positive response wins.
func (r *Router) FindValue(ctx context.Context, target meshid.ID) ([]byte, bool, error) {
	_, value, found, err := r.iterativeLookup(ctx, target, true)
	return value, found, err
}

const maxLookupRounds = 20

func (r *Router) iterativeLookup(ctx context.Context, target meshid.ID, wantValue bool) ([]messenger.PeerRecord, []byte, bool, error) {
	if v, ok := r.values.get(target); wantValue && ok {
		return nil, v, true, nil
	}

	seed := r.table.FindClosest(target, r.cfg.Alpha)
	shortlist := make(map[meshid.PeerId]*candidate)
	for _, p := range seed {
		shortlist[p.PeerID] = &candidate{peer: p}
	}

	bestDistance := func() meshid.ID {
		best := target // worst case: infinite distance from itself is 0, so start from "all ones"
		for i := range best {
			best[i] = 0xFF
		}
		for _, c := range shortlist {
			d := c.peer.PeerID.Xor(target)
			if d.Less(best) {
				best = d
			}
		}
		return best
	}

	for round := 0; round < maxLookupRounds; round++ {
		select {
		case <-ctx.Done():
			return nil, nil, false, merrors.New(merrors.KindCancelled, "peerrouter.iterativeLookup", ctx.Err())
		default:
		}

		pending := pendingCandidates(shortlist, r.cfg.Alpha)
		if len(pending) == 0 {
			break
		}
		before := bestDistance()

		var wg sync.WaitGroup
		var mu sync.Mutex
		newPeers := make(map[meshid.PeerId]messenger.PeerRecord)
		var foundValue []byte
		var valueFound bool

		for _, c := range pending {
			c.queried = true
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				rctx, cancel := context.WithTimeout(ctx, r.cfg.SmallRPCTimeout)
				defer cancel()

				var closer []messenger.PeerRecord
				if wantValue {
					val, peers, ok, err := r.transport.FindValue(rctx, c.peer, target)
					if err != nil {
						return
					}
					c.response = true
					if ok {
						mu.Lock()
						foundValue, valueFound = val, true
						mu.Unlock()
						return
					}
					closer = peers
				} else {
					peers, err := r.transport.FindNode(rctx, c.peer, target)
					if err != nil {
						return
					}
					c.response = true
					closer = peers
				}

				mu.Lock()
				for _, p := range closer {
					if p.PeerID == r.self.PeerID {
						continue
					}
					newPeers[p.PeerID] = p
				}
				mu.Unlock()
			}(c)
		}
		wg.Wait()

		if valueFound {
			return nil, foundValue, true, nil
		}

		for id, p := range newPeers {
			if _, ok := shortlist[id]; !ok {
				shortlist[id] = &candidate{peer: p}
			}
			r.AddPeer(ctx, p)
		}

		after := bestDistance()
		if !after.Less(before) {
			break // round produced no closer peer than the current best
		}
	}

	peers := make([]messenger.PeerRecord, 0, len(shortlist))
	for _, c := range shortlist {
		if c.response || !c.queried {
			peers = append(peers, c.peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return closerOrdered(peers[i], peers[j], target) })
	if len(peers) > r.cfg.KBucketSize {
		peers = peers[:r.cfg.KBucketSize]
	}
	return peers, nil, false, nil
}

func pendingCandidates(shortlist map[meshid.PeerId]*candidate, alpha int) []*candidate {
	var out []*candidate
	for _, c := range shortlist {
		if !c.queried {
			out = append(out, c)
		}
		if len(out) >= alpha {
			break
		}
	}
	return out
}

// Put runs FindNode(key) then sends Store(key, value) to the R closest
// responsive peers, per the specification's storage primitive. The value is
// wrapped in a SignedEntry under r.signKey before it ever leaves this node,
// so a receiving HandleStore rejects an entry whose signature does not
// verify against the public key it carries. Put
// returns a KindUnderReplicated error when fewer than a majority
// (replication/2+1) of the R targeted peers accept the store, per the
// specification's durability rule for DHT-published descriptors.
func (r *Router) Put(ctx context.Context, key meshid.ID, value []byte, replication int) (int, error) {
	peers, err := r.FindNode(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(peers) > replication {
		peers = peers[:replication]
	}

	entry := Sign(key, value, r.signKey, r.cfg.ValueTTL, r.clock.Now())
	wire, err := entry.Marshal()
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, p := range peers {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.SmallRPCTimeout)
		err := r.transport.Store(sctx, p, key, wire)
		cancel()
		if err == nil {
			accepted++
		}
	}
	// Always cache locally too, in case this node is itself one of the
	// closest replicas or a later witness.
	r.values.put(key, value, r.cfg.ValueTTL, r.self.PeerID)

	majority := replication/2 + 1
	if accepted < majority {
		return accepted, merrors.Newf(merrors.KindUnderReplicated, "peerrouter.Put",
			"descriptor accepted by only %d/%d targeted peers, need a majority of %d", accepted, replication, majority)
	}
	return accepted, nil
}

// Get runs FindValue(key); the first positive response wins.
func (r *Router) Get(ctx context.Context, key meshid.ID) ([]byte, error) {
	value, found, err := r.FindValue(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, merrors.New(merrors.KindNotFound, "peerrouter.Get", nil)
	}
	return value, nil
}

// ExpireStaleValues sweeps the local value cache, called by a periodic
// maintenance loop driven by the injected clock.
func (r *Router) ExpireStaleValues() int {
	return r.values.expireStale()
}

// ExpireStaleContacts sweeps the routing table for contacts not seen within
// BucketStaleTTL, called by the same periodic maintenance loop.
func (r *Router) ExpireStaleContacts() int {
	return r.table.ExpireStale()
}

// --- messenger.Handler implementation: the server side of this router ---

func (r *Router) HandlePing(ctx context.Context, from messenger.PeerRecord) error {
	r.AddPeer(ctx, from)
	return nil
}

func (r *Router) HandleFindNode(ctx context.Context, from messenger.PeerRecord, target meshid.ID) ([]messenger.PeerRecord, error) {
	r.AddPeer(ctx, from)
	return r.table.FindClosest(target, r.cfg.KBucketSize), nil
}

func (r *Router) HandleFindValue(ctx context.Context, from messenger.PeerRecord, key meshid.ID) ([]byte, []messenger.PeerRecord, bool, error) {
	r.AddPeer(ctx, from)
	if v, ok := r.values.get(key); ok {
		return v, nil, true, nil
	}
	return nil, r.table.FindClosest(key, r.cfg.KBucketSize), false, nil
}

// HandleStore accepts a published value only if it unmarshals as a
// SignedEntry whose signature verifies against the entry's own public key,
// whose TTL has not elapsed, and whose Key matches the addressed key,
// rejecting anything else. The signer is not checked against any earlier
// publisher of the same key: a validly self-signed entry replaces the cached
// value.
func (r *Router) HandleStore(ctx context.Context, from messenger.PeerRecord, key meshid.ID, value []byte) error {
	r.AddPeer(ctx, from)
	entry, err := UnmarshalSignedEntry(value)
	if err != nil {
		return merrors.New(merrors.KindValidation, "peerrouter.HandleStore", err)
	}
	if entry.Key != key {
		return merrors.New(merrors.KindValidation, "peerrouter.HandleStore", errKeyMismatch)
	}
	if err := entry.Verify(r.clock.Now()); err != nil {
		return err
	}
	r.values.put(key, entry.Value, r.cfg.ValueTTL, from.PeerID)
	return nil
}

type routerError string

func (e routerError) Error() string { return string(e) }

const errKeyMismatch routerError = "peerrouter: signed entry key does not match the addressed key"
