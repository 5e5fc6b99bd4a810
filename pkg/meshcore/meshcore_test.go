package meshcore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/datamesh/datamesh/pkg/config"
	"github.com/datamesh/datamesh/pkg/merrors"
	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/messenger"
	"github.com/datamesh/datamesh/pkg/metadata"
	"github.com/datamesh/datamesh/pkg/peerrouter"
	"github.com/datamesh/datamesh/pkg/placement"
	"github.com/datamesh/datamesh/pkg/repair"
	"github.com/datamesh/datamesh/pkg/shardcodec"
	"github.com/datamesh/datamesh/pkg/shardstore"
	"github.com/datamesh/datamesh/pkg/transfer"
)

// peerHost is one simulated mesh member: a router plus a local shard store.
type peerHost struct {
	router *peerrouter.Router
	store  *shardstore.Store
}

// meshTransport dispatches messenger.Messenger calls to whichever peerHost
// owns the addressed PeerRecord, simulating a fully-connected in-process
// network so the full put_blob/get_blob path can be exercised without a real
// transport, per the specification's PeerLocator design note.
type meshTransport struct {
	mu    sync.Mutex
	hosts map[meshid.PeerId]*peerHost
}

func newMeshTransport() *meshTransport {
	return &meshTransport{hosts: make(map[meshid.PeerId]*peerHost)}
}

func (m *meshTransport) register(h *peerHost) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[h.router.Self().PeerID] = h
}

func (m *meshTransport) hostFor(id meshid.PeerId) (*peerHost, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	return h, ok
}

func (m *meshTransport) Ping(ctx context.Context, peer messenger.PeerRecord) error {
	h, ok := m.hostFor(peer.PeerID)
	if !ok {
		return merrors.New(merrors.KindNetwork, "meshTransport.Ping", nil)
	}
	return h.router.HandlePing(ctx, h.router.Self())
}

func (m *meshTransport) FindNode(ctx context.Context, peer messenger.PeerRecord, target meshid.ID) ([]messenger.PeerRecord, error) {
	h, ok := m.hostFor(peer.PeerID)
	if !ok {
		return nil, merrors.New(merrors.KindNetwork, "meshTransport.FindNode", nil)
	}
	return h.router.HandleFindNode(ctx, h.router.Self(), target)
}

func (m *meshTransport) FindValue(ctx context.Context, peer messenger.PeerRecord, key meshid.ID) ([]byte, []messenger.PeerRecord, bool, error) {
	h, ok := m.hostFor(peer.PeerID)
	if !ok {
		return nil, nil, false, merrors.New(merrors.KindNetwork, "meshTransport.FindValue", nil)
	}
	return h.router.HandleFindValue(ctx, h.router.Self(), key)
}

func (m *meshTransport) Store(ctx context.Context, peer messenger.PeerRecord, key meshid.ID, value []byte) error {
	h, ok := m.hostFor(peer.PeerID)
	if !ok {
		return merrors.New(merrors.KindNetwork, "meshTransport.Store", nil)
	}
	return h.router.HandleStore(ctx, h.router.Self(), key, value)
}

func (m *meshTransport) Have(ctx context.Context, peer messenger.PeerRecord, shardID meshid.ShardId) (bool, error) {
	h, ok := m.hostFor(peer.PeerID)
	if !ok {
		return false, merrors.New(merrors.KindNetwork, "meshTransport.Have", nil)
	}
	_, err := h.store.Get(shardID)
	return err == nil, nil
}

func (m *meshTransport) GetShard(ctx context.Context, peer messenger.PeerRecord, shardID meshid.ShardId) (*shardcodec.Shard, error) {
	h, ok := m.hostFor(peer.PeerID)
	if !ok {
		return nil, merrors.New(merrors.KindNetwork, "meshTransport.GetShard", nil)
	}
	return h.store.Get(shardID)
}

func (m *meshTransport) Reserve(ctx context.Context, peer messenger.PeerRecord, shardID meshid.ShardId, length uint32) (messenger.ReservationToken, error) {
	var tok messenger.ReservationToken
	if _, ok := m.hostFor(peer.PeerID); !ok {
		return tok, merrors.New(merrors.KindNetwork, "meshTransport.Reserve", nil)
	}
	rand.Read(tok[:])
	return tok, nil
}

func (m *meshTransport) PutShard(ctx context.Context, peer messenger.PeerRecord, token messenger.ReservationToken, shard *shardcodec.Shard) error {
	h, ok := m.hostFor(peer.PeerID)
	if !ok {
		return merrors.New(merrors.KindNetwork, "meshTransport.PutShard", nil)
	}
	_, err := h.store.Put(shard)
	return err
}

func (m *meshTransport) CommitShard(ctx context.Context, peer messenger.PeerRecord, token messenger.ReservationToken) error {
	return nil
}

func (m *meshTransport) ReleaseShard(ctx context.Context, peer messenger.PeerRecord, token messenger.ReservationToken) error {
	return nil
}

var _ messenger.Messenger = (*meshTransport)(nil)

// jsonDescriptorCodec mirrors transfer's own test helper; meshcore's tests
// don't import transfer's internal test file, so it is redefined here.
type jsonDescriptorCodec struct{}

func (jsonDescriptorCodec) Marshal(set *shardcodec.ShardSet) ([]byte, error) { return json.Marshal(set) }
func (jsonDescriptorCodec) Unmarshal(data []byte) (*shardcodec.ShardSet, error) {
	var set shardcodec.ShardSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func randPeerID(t *testing.T) meshid.PeerId {
	t.Helper()
	var id meshid.PeerId
	rand.Read(id[:])
	return id
}

// buildMesh constructs numPeers peer hosts on a shared in-process transport
// and returns the transport plus every host's PeerRecord.
func buildMesh(t *testing.T, numPeers int) (*meshTransport, []*peerHost) {
	t.Helper()
	transport := newMeshTransport()
	hosts := make([]*peerHost, numPeers)
	for i := range hosts {
		self := messenger.PeerRecord{PeerID: randPeerID(t)}
		routerCfg := peerrouter.DefaultRouterConfig()
		router := peerrouter.New(self, transport, routerCfg, nil, clock.New(), nil)

		fs := afero.NewMemMapFs()
		store, err := shardstore.New(fs, "/shards", 0, nil)
		if err != nil {
			t.Fatalf("shardstore.New: %v", err)
		}
		hosts[i] = &peerHost{router: router, store: store}
		transport.register(hosts[i])
	}
	ctx := context.Background()
	for i, h := range hosts {
		for j, other := range hosts {
			if i != j {
				h.router.AddPeer(ctx, other.router.Self())
			}
		}
	}
	return transport, hosts
}

func buildNode(t *testing.T, transport *meshTransport, hosts []*peerHost, self int) *Node {
	t.Helper()
	host := hosts[self]
	peers := make([]messenger.PeerRecord, 0, len(hosts)-1)
	for i, h := range hosts {
		if i != self {
			peers = append(peers, h.router.Self())
		}
	}

	locator := host.router
	placer := placement.New(locator, nil)
	codec := shardcodec.New(rand.Reader)
	cfg := transfer.Config{
		K: 4, M: 3,
		ReplicationFactor:   3,
		MaxConcurrentShards: 4,
		ShardRetryLimit:     3,
		StragglerTimeout:    50 * time.Millisecond,
		ReservationTTL:      time.Second,
		MinPublishShards:    2,
	}
	orch := transfer.New(codec, transport, placer, host.router, jsonDescriptorCodec{}, cfg, nil)

	idx, err := metadata.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	ledger, err := repair.OpenLedger(":memory:")
	if err != nil {
		t.Fatalf("repair.OpenLedger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	_ = peers // available for future tests needing explicit peer enumeration

	repairCfg := repair.Config{RepairMargin: 2, TokenRate: rate.Inf, TokenBurst: 100, ReconstructTimeout: time.Second}
	fetcher := &meshFetcher{transport: transport, locator: locator}
	repairer := repair.New(fetcher, codec, placer, transport, ledger, repairCfg, nil)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	return New(config.Default(), Deps{
		Codec:    codec,
		Store:    host.store,
		Router:   host.router,
		Placer:   placer,
		Orch:     orch,
		Index:    idx,
		Repairer: repairer,
		Metrics:  metrics,
	}, nil)
}

// meshFetcher adapts the mesh transport into repair.ShardFetcher by asking
// the local router to locate holders via FindNode.
type meshFetcher struct {
	transport *meshTransport
	locator   *peerrouter.Router
}

func (f *meshFetcher) Locate(ctx context.Context, shardID [32]byte) ([]messenger.PeerRecord, error) {
	return f.locator.FindNode(ctx, shardID)
}

func (f *meshFetcher) Fetch(ctx context.Context, peer messenger.PeerRecord, shardID [32]byte) (*shardcodec.Shard, error) {
	return f.transport.GetShard(ctx, peer, shardID)
}

func locateViaHosts(hosts []*peerHost, shardID meshid.ShardId) func(int) ([]messenger.PeerRecord, error) {
	return func(idx int) ([]messenger.PeerRecord, error) {
		var holders []messenger.PeerRecord
		for _, h := range hosts {
			if _, err := h.store.Get(shardID); err == nil {
				holders = append(holders, h.router.Self())
			}
		}
		return holders, nil
	}
}

func TestPutBlobThenGetBlobRoundTrip(t *testing.T) {
	transport, hosts := buildMesh(t, 15)
	node := buildNode(t, transport, hosts, 0)

	blob := make([]byte, 40000)
	rand.Read(blob)

	ctx := context.Background()
	putResult, err := node.PutBlob(ctx, "photo.jpg", blob, shardcodec.Policy{K: 4, M: 3, Salt: []byte("mesh-test")})
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	entries, err := node.ListLocal()
	if err != nil {
		t.Fatalf("ListLocal: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "photo.jpg" {
		t.Fatalf("expected photo.jpg bound locally, got %+v", entries)
	}

	locate := func(idx int) ([]messenger.PeerRecord, error) {
		return locateViaHosts(hosts, putResult.ShardSet.Shards[idx])(idx)
	}
	got, err := node.GetBlob(ctx, "photo.jpg", locate)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if len(got) != len(blob) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(blob))
	}
	for i := range blob {
		if got[i] != blob[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}
}

func TestRenameThenDeleteLocal(t *testing.T) {
	transport, hosts := buildMesh(t, 15)
	node := buildNode(t, transport, hosts, 0)
	ctx := context.Background()

	blob := make([]byte, 10000)
	rand.Read(blob)
	if _, err := node.PutBlob(ctx, "draft.txt", blob, shardcodec.Policy{K: 4, M: 3, Salt: []byte("rn")}); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	if err := node.Rename("draft.txt", "final.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	entries, _ := node.ListLocal()
	if len(entries) != 1 || entries[0].Name != "final.txt" {
		t.Fatalf("expected final.txt after rename, got %+v", entries)
	}

	if err := node.DeleteLocal("final.txt"); err != nil {
		t.Fatalf("DeleteLocal: %v", err)
	}
	entries, _ = node.ListLocal()
	if len(entries) != 0 {
		t.Fatalf("expected no local bindings after delete, got %+v", entries)
	}
}

func TestStatsReflectsLocalStoreAndPeers(t *testing.T) {
	transport, hosts := buildMesh(t, 15)
	node := buildNode(t, transport, hosts, 0)
	ctx := context.Background()

	blob := make([]byte, 10000)
	rand.Read(blob)
	if _, err := node.PutBlob(ctx, "x.bin", blob, shardcodec.Policy{K: 4, M: 3, Salt: []byte("st")}); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	snap, err := node.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if snap.KnownPeerCount == 0 {
		t.Fatal("expected the routing table to know about other peers")
	}
}

func TestRunMaintenanceReportsZeroBeforeAnythingExpires(t *testing.T) {
	transport, hosts := buildMesh(t, 5)
	node := buildNode(t, transport, hosts, 0)

	report := node.RunMaintenance()
	if report.ExpiredValues != 0 || report.ExpiredContacts != 0 || report.ExpiredReservations != 0 {
		t.Fatalf("expected a freshly built node to have nothing stale yet, got %+v", report)
	}
}
