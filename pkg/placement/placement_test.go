package placement

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/messenger"
)

type fakeLocator struct {
	self  messenger.PeerRecord
	peers []messenger.PeerRecord
}

func (f *fakeLocator) Self() messenger.PeerRecord { return f.self }

func (f *fakeLocator) FindNode(ctx context.Context, target meshid.ID) ([]messenger.PeerRecord, error) {
	return f.peers, nil
}

func randID(t *testing.T) meshid.ID {
	t.Helper()
	var id meshid.ID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return id
}

func makePeers(t *testing.T, n int) []messenger.PeerRecord {
	t.Helper()
	out := make([]messenger.PeerRecord, n)
	for i := range out {
		out[i] = messenger.PeerRecord{PeerID: randID(t)}
	}
	return out
}

func TestPlaceAssignsEveryShard(t *testing.T) {
	self := messenger.PeerRecord{PeerID: randID(t)}
	// With ceiling = floor(n/k) = 1, every peer takes at most one shard
	// slot total, so placing n shards at r replicas each needs n*r
	// distinct peers.
	k, m := 4, 3
	n := k + m
	r := 3
	peers := makePeers(t, n*r+5)
	loc := &fakeLocator{self: self, peers: peers}
	eng := New(loc, nil)

	shardIDs := make([]meshid.ShardId, n)
	for i := range shardIDs {
		shardIDs[i] = randID(t)
	}

	fileKey := randID(t)
	result, err := eng.Place(context.Background(), fileKey, shardIDs, k, m, r, func(ctx context.Context, p messenger.PeerRecord, idx int) bool {
		return true
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if result.Placed != n*r {
		t.Fatalf("expected all %d shards placed with %d replicas each (%d total), got %d", n, r, n*r, result.Placed)
	}
	for idx, replicas := range result.Replicas {
		if len(replicas) != r {
			t.Fatalf("shard %d: expected %d replicas, got %d", idx, r, len(replicas))
		}
	}
}

func TestPlaceRespectsDiversityCeiling(t *testing.T) {
	self := messenger.PeerRecord{PeerID: randID(t)}
	// Only two distinct peers available, so the ceiling forces spreading:
	// with n=7, k=4, ceiling = floor(7/4) = 1 shard per peer. A third,
	// fourth, etc. shard that would push either peer over the ceiling must
	// fail to place rather than pile onto an already-used peer.
	peers := makePeers(t, 2)
	loc := &fakeLocator{self: self, peers: peers}
	eng := New(loc, nil)

	k, m := 4, 3
	n := k + m
	shardIDs := make([]meshid.ShardId, n)
	for i := range shardIDs {
		shardIDs[i] = randID(t)
	}

	fileKey := randID(t)
	r := 3
	target := n * r
	result, err := eng.Place(context.Background(), fileKey, shardIDs, k, m, r, func(ctx context.Context, p messenger.PeerRecord, idx int) bool {
		return true
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	usage := make(map[meshid.PeerId]int)
	for _, replicas := range result.Replicas {
		for _, p := range replicas {
			usage[p.PeerID]++
		}
	}
	for id, count := range usage {
		if count > 1 {
			t.Fatalf("peer %s received %d shards, exceeding the diversity ceiling of 1", id, count)
		}
	}
	if UnderReplicated(result.Placed, target) != (result.Placed < target) {
		t.Fatal("UnderReplicated mismatch")
	}
	if result.Placed >= target {
		t.Fatalf("expected diversity ceiling to force under-replication with only 2 peers for %d shard-replicas, got %d placed", target, result.Placed)
	}
}

func TestPlaceSkipsRefusingPeers(t *testing.T) {
	self := messenger.PeerRecord{PeerID: randID(t)}
	peers := makePeers(t, 10)
	loc := &fakeLocator{self: self, peers: peers}
	eng := New(loc, nil)

	k, m := 4, 3
	n := k + m
	shardIDs := make([]meshid.ShardId, n)
	for i := range shardIDs {
		shardIDs[i] = randID(t)
	}

	refused := peers[0].PeerID
	fileKey := randID(t)
	r := 1
	result, err := eng.Place(context.Background(), fileKey, shardIDs, k, m, r, func(ctx context.Context, p messenger.PeerRecord, idx int) bool {
		return p.PeerID != refused
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	for _, replicas := range result.Replicas {
		for _, p := range replicas {
			if p.PeerID == refused {
				t.Fatal("expected the refusing peer to never receive a shard")
			}
		}
	}
	if result.Placed != n*r {
		t.Fatalf("expected all shards still placed via fallback, got %d/%d", result.Placed, n*r)
	}
}

func TestPlaceEmptyShardListRejected(t *testing.T) {
	self := messenger.PeerRecord{PeerID: randID(t)}
	loc := &fakeLocator{self: self}
	eng := New(loc, nil)
	if _, err := eng.Place(context.Background(), randID(t), nil, 4, 3, 3, nil); err == nil {
		t.Fatal("expected error for empty shard list")
	}
}
