package peerrouter

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/messenger"
	"github.com/datamesh/datamesh/pkg/shardcodec"
)

// memNetwork is a fake messenger.Messenger that dispatches directly to the
// Router registered for the addressed PeerId, simulating a fully-connected
// in-process network. It exists only to exercise the iterative lookup
// algorithm without a real transport, matching the spirit of the teacher's
// dht_test.go (multiple NewNode instances wired together) but without
// sockets.
type memNetwork struct {
	routers map[meshid.PeerId]*Router
}

func newMemNetwork() *memNetwork {
	return &memNetwork{routers: make(map[meshid.PeerId]*Router)}
}

func (n *memNetwork) register(r *Router) { n.routers[r.Self().PeerID] = r }

func (n *memNetwork) Ping(ctx context.Context, peer messenger.PeerRecord) error {
	r, ok := n.routers[peer.PeerID]
	if !ok {
		return errUnknownPeer
	}
	return r.HandlePing(ctx, r.Self())
}

func (n *memNetwork) FindNode(ctx context.Context, peer messenger.PeerRecord, target meshid.ID) ([]messenger.PeerRecord, error) {
	r, ok := n.routers[peer.PeerID]
	if !ok {
		return nil, errUnknownPeer
	}
	return r.HandleFindNode(ctx, r.Self(), target)
}

func (n *memNetwork) FindValue(ctx context.Context, peer messenger.PeerRecord, key meshid.ID) ([]byte, []messenger.PeerRecord, bool, error) {
	r, ok := n.routers[peer.PeerID]
	if !ok {
		return nil, nil, false, errUnknownPeer
	}
	return r.HandleFindValue(ctx, r.Self(), key)
}

func (n *memNetwork) Store(ctx context.Context, peer messenger.PeerRecord, key meshid.ID, value []byte) error {
	r, ok := n.routers[peer.PeerID]
	if !ok {
		return errUnknownPeer
	}
	return r.HandleStore(ctx, r.Self(), key, value)
}

func (n *memNetwork) Have(ctx context.Context, peer messenger.PeerRecord, shardID meshid.ShardId) (bool, error) {
	return false, errUnimplemented
}
func (n *memNetwork) GetShard(ctx context.Context, peer messenger.PeerRecord, shardID meshid.ShardId) (*shardcodec.Shard, error) {
	return nil, errUnimplemented
}
func (n *memNetwork) Reserve(ctx context.Context, peer messenger.PeerRecord, shardID meshid.ShardId, length uint32) (messenger.ReservationToken, error) {
	return messenger.ReservationToken{}, errUnimplemented
}
func (n *memNetwork) PutShard(ctx context.Context, peer messenger.PeerRecord, token messenger.ReservationToken, shard *shardcodec.Shard) error {
	return errUnimplemented
}
func (n *memNetwork) CommitShard(ctx context.Context, peer messenger.PeerRecord, token messenger.ReservationToken) error {
	return errUnimplemented
}
func (n *memNetwork) ReleaseShard(ctx context.Context, peer messenger.PeerRecord, token messenger.ReservationToken) error {
	return errUnimplemented
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const (
	errUnknownPeer   fakeErr = "unknown peer"
	errUnimplemented fakeErr = "unimplemented in memNetwork"
)

var _ messenger.Messenger = (*memNetwork)(nil)

func generateTestKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	t.Helper()
	return ed25519.GenerateKey(rand.Reader)
}

func randomPeerRecord(t *testing.T) messenger.PeerRecord {
	t.Helper()
	var id meshid.PeerId
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return messenger.PeerRecord{PeerID: id}
}

func newTestRouter(t *testing.T, net *memNetwork) *Router {
	t.Helper()
	self := randomPeerRecord(t)
	r := New(self, net, DefaultRouterConfig(), nil, clock.New(), nil)
	net.register(r)
	return r
}

func TestRoutingTableAddAndFindClosest(t *testing.T) {
	self := randomPeerRecord(t)
	rt := NewRoutingTable(self.PeerID, DefaultKBucketSize, time.Hour, clock.New())

	for i := 0; i < 10; i++ {
		rt.Add(randomPeerRecord(t), nil)
	}
	if rt.Size() != 10 {
		t.Fatalf("expected 10 peers, got %d", rt.Size())
	}

	target := randomPeerRecord(t).PeerID
	closest := rt.FindClosest(target, 3)
	if len(closest) != 3 {
		t.Fatalf("expected 3 closest, got %d", len(closest))
	}
	for i := 0; i+1 < len(closest); i++ {
		if !closerOrdered(closest[i], closest[i+1], target) && closest[i].PeerID != closest[i+1].PeerID {
			t.Fatal("FindClosest result is not sorted by distance")
		}
	}
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	self := randomPeerRecord(t)
	rt := NewRoutingTable(self.PeerID, DefaultKBucketSize, time.Hour, clock.New())
	if rt.Add(self, nil) {
		t.Fatal("routing table should reject adding self")
	}
}

func TestBucketLRUEviction(t *testing.T) {
	self := randomPeerRecord(t)
	rt := NewRoutingTable(self.PeerID, 2, time.Hour, clock.New())

	// Force all contacts into the same bucket: flip the same high bit
	// (fixing the common-prefix length, and so the bucket index) and vary
	// a lower-order bit so the three IDs remain distinct.
	mk := func(extra byte) messenger.PeerRecord {
		id := self.PeerID
		id[0] ^= byte(1 << 2) // shared mismatch at bit 2: fixes CommonPrefixLen
		id[0] ^= extra        // varies a lower bit so each contact is distinct
		return messenger.PeerRecord{PeerID: id}
	}
	p1, p2, p3 := mk(0), mk(1), mk(2)

	rt.Add(p1, nil)
	rt.Add(p2, nil)
	// Bucket capacity 2 is full; probe returns false (stale peer unreachable) so p3 evicts p1.
	accepted := rt.Add(p3, func(stale messenger.PeerRecord) bool { return false })
	if !accepted {
		t.Fatal("expected p3 to be accepted after evicting stale p1")
	}
	if _, ok := rt.Get(p1.PeerID); ok {
		t.Fatal("expected p1 to be evicted")
	}
	if _, ok := rt.Get(p3.PeerID); !ok {
		t.Fatal("expected p3 to be present")
	}
}

func TestRoutingTableExpireStale(t *testing.T) {
	self := randomPeerRecord(t)
	mockClock := clock.NewMock()
	rt := NewRoutingTable(self.PeerID, DefaultKBucketSize, time.Hour, mockClock)

	stale := randomPeerRecord(t)
	rt.Add(stale, nil)

	mockClock.Add(30 * time.Minute)
	fresh := randomPeerRecord(t)
	rt.Add(fresh, nil)

	mockClock.Add(31 * time.Minute) // stale is now 61min old, fresh is 31min old
	removed := rt.ExpireStale()
	if removed != 1 {
		t.Fatalf("expected exactly 1 stale contact evicted, got %d", removed)
	}
	if _, ok := rt.Get(stale.PeerID); ok {
		t.Fatal("expected the stale contact to be evicted")
	}
	if _, ok := rt.Get(fresh.PeerID); !ok {
		t.Fatal("expected the fresh contact to survive the sweep")
	}
}

func TestIterativeFindNodeAcrossNetwork(t *testing.T) {
	net := newMemNetwork()
	routers := make([]*Router, 8)
	for i := range routers {
		routers[i] = newTestRouter(t, net)
	}
	// Wire a connected topology: each router knows the next one.
	ctx := context.Background()
	for i, r := range routers {
		next := routers[(i+1)%len(routers)]
		r.AddPeer(ctx, next.Self())
	}

	target := randomPeerRecord(t).PeerID
	found, err := routers[0].FindNode(ctx, target)
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	if len(found) == 0 {
		t.Fatal("expected FindNode to discover peers beyond the direct neighbor")
	}
}

func TestPutGetAcrossNetwork(t *testing.T) {
	net := newMemNetwork()
	routers := make([]*Router, 6)
	for i := range routers {
		routers[i] = newTestRouter(t, net)
	}
	ctx := context.Background()
	for i, r := range routers {
		for j, other := range routers {
			if i != j {
				r.AddPeer(ctx, other.Self())
			}
		}
	}

	key := randomPeerRecord(t).PeerID
	value := []byte("shard-set-descriptor-bytes")

	accepted, err := routers[0].Put(ctx, key, value, 3)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if accepted == 0 {
		t.Fatal("expected at least one peer to accept the store")
	}

	got, err := routers[len(routers)-1].Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(value) {
		t.Fatalf("value mismatch: got %q want %q", got, value)
	}
}

func TestSignedEntryRoundTrip(t *testing.T) {
	pub, priv, err := generateTestKey(t)
	_ = pub
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var key meshid.ID
	rand.Read(key[:])
	value := []byte("descriptor")
	now := time.Now()

	entry := Sign(key, value, priv, time.Hour, now)
	if err := entry.Verify(now.Add(time.Minute)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	entry.Signature[0] ^= 0xFF
	if err := entry.Verify(now.Add(time.Minute)); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestSignedEntryExpiry(t *testing.T) {
	_, priv, err := generateTestKey(t)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var key meshid.ID
	rand.Read(key[:])
	now := time.Now()
	entry := Sign(key, []byte("v"), priv, time.Minute, now)

	if err := entry.Verify(now.Add(2 * time.Minute)); err == nil {
		t.Fatal("expected expired entry to fail verification")
	}
}
