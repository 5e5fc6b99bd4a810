// Package placement implements PlacementEngine: choosing which peers a
// ShardSet's shards should land on. It is grounded on the teacher's
// pkg/meshstorage/distributed.go findStorageNodes/StoreDistributed, with the
// libp2p peer.ID and direct DHTNode dependency replaced by peerrouter.Router
// and meshid.ID, and the fixed TotalShards/ParityShards constants replaced by
// the ShardSet's own K/M.
package placement

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/merrors"
	"github.com/datamesh/datamesh/pkg/messenger"
	"github.com/datamesh/datamesh/pkg/peerrouter"
)

// Locator is the subset of peerrouter.Router the engine depends on, so tests
// can substitute a fake without standing up a full router.
type Locator interface {
	FindNode(ctx context.Context, target meshid.ID) ([]messenger.PeerRecord, error)
	Self() messenger.PeerRecord
}

var _ Locator = (*peerrouter.Router)(nil)

// Placement is the outcome of assigning one ShardSet's shards to peers, each
// shard index replicated onto up to R distinct peers per the specification's
// replication factor.
type Placement struct {
	// Replicas holds, for each shard index, the peers that accepted a copy
	// of that shard, in acceptance order (at most R entries).
	Replicas [][]messenger.PeerRecord
	// Placed counts the total number of (shard_index, peer) assignments
	// made across every shard — the quantity the specification's n*R
	// replication target is measured against.
	Placed int
}

// Engine selects storage targets for shards, applying the specification's
// diversity constraint: no single peer may receive more than
// floor(N/k) shards belonging to the same ShardSet, where N = k+m.
type Engine struct {
	locator Locator
	log     *zap.Logger
}

// New constructs a PlacementEngine over a peer locator (normally a
// peerrouter.Router).
func New(locator Locator, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{locator: locator, log: log}
}

// maxPerPeer computes floor(n/k), the diversity ceiling from the
// specification, with a floor of 1 so a lone peer is never refused entirely.
func maxPerPeer(n, k int) int {
	if k <= 0 {
		return n
	}
	limit := n / k
	if limit < 1 {
		limit = 1
	}
	return limit
}

// candidateFn decides whether a given peer will accept a shard, e.g. by
// attempting a Reserve RPC. Placement calls it once per candidate it wants to
// try, in distance order, so it can fall back to the next-closest candidate
// on refusal. A false return is a refusal: the candidate is skipped, not
// escalated.
type candidateFn func(ctx context.Context, peer messenger.PeerRecord, shardIndex int) bool

// Place assigns each of the n=k+m shard indices of shardID's ShardSet to up
// to r distinct-enough peers, per the specification's "select the top R
// responsive peers" rule (§4.4) and the push-based replication-up-to-R step
// (§4.5 step 4). For each index it walks the FindNode(shardID) frontier in
// closest-first order, skipping peers already at the diversity ceiling for
// this ShardSet and peers that refuse accept (accept returns false), taking
// the first r peers that accept. It never asks the same peer to take two
// indices beyond the ceiling, matching the specification's dispersion
// requirement.
func (e *Engine) Place(ctx context.Context, fileKey meshid.FileKey, shardIDs []meshid.ShardId, k, m, r int, accept candidateFn) (*Placement, error) {
	n := len(shardIDs)
	if n == 0 {
		return nil, merrors.New(merrors.KindValidation, "placement.Place", nil)
	}
	if r <= 0 {
		r = 1
	}
	ceiling := maxPerPeer(n, k)

	result := &Placement{Replicas: make([][]messenger.PeerRecord, n)}
	usage := make(map[meshid.PeerId]int)

	for idx, shardID := range shardIDs {
		peers, err := e.locator.FindNode(ctx, shardID)
		if err != nil {
			e.log.Warn("placement: FindNode failed", zap.Int("shard_index", idx), zap.Error(err))
			continue
		}
		sort.Slice(peers, func(i, j int) bool {
			return peers[i].PeerID.CloserTo(shardID, peers[j].PeerID)
		})

		replicas := 0
		for _, p := range peers {
			if replicas >= r {
				break
			}
			if p.PeerID == e.locator.Self().PeerID {
				continue
			}
			if usage[p.PeerID] >= ceiling {
				continue
			}
			if accept != nil && !accept(ctx, p, idx) {
				continue
			}
			result.Replicas[idx] = append(result.Replicas[idx], p)
			usage[p.PeerID]++
			result.Placed++
			replicas++
		}
		if replicas == 0 {
			e.log.Warn("placement: no peer accepted shard", zap.Int("shard_index", idx))
		} else if replicas < r {
			e.log.Warn("placement: shard under-replicated", zap.Int("shard_index", idx), zap.Int("replicas", replicas), zap.Int("target", r))
		}
	}

	return result, nil
}

// UnderReplicated reports whether a placement's achieved count falls short
// of the target replication for a ShardSet, per the specification's
// under-replication signal: target is n*R (every shard should land on R
// replicas), achieved is result.Placed.
func UnderReplicated(achieved, target int) bool {
	return achieved < target
}
