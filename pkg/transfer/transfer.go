// Package transfer implements TransferOrchestrator: the PUT and GET blob
// operations that drive ShardCodec, PlacementEngine and the PeerRouter's
// descriptor publication together. Grounded on the teacher's
// pkg/meshstorage/distributed.go StoreDistributed/RetrieveDistributed, with
// the fixed-width shard fan-out replaced by the ShardSet's own k/m, libp2p
// peer.IDs replaced by meshid.PeerId, and bounded concurrency moved from raw
// sync.WaitGroup+channel fan-in onto golang.org/x/sync/errgroup, as the rest
// of the example pack favors for bounded parallel I/O.
package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/merrors"
	"github.com/datamesh/datamesh/pkg/messenger"
	"github.com/datamesh/datamesh/pkg/placement"
	"github.com/datamesh/datamesh/pkg/shardcodec"
)

// DescriptorPublisher is the subset of peerrouter.Router the orchestrator
// needs to publish and resolve ShardSet descriptors under a FileKey.
type DescriptorPublisher interface {
	Put(ctx context.Context, key meshid.ID, value []byte, replication int) (int, error)
	Get(ctx context.Context, key meshid.ID) ([]byte, error)
}

// DescriptorCodec marshals/unmarshals a ShardSet to the bytes published on
// the DHT. Kept as an injected seam so MetadataIndex's on-disk format and the
// DHT wire format can diverge without transfer knowing either concretely.
type DescriptorCodec interface {
	Marshal(set *shardcodec.ShardSet) ([]byte, error)
	Unmarshal(data []byte) (*shardcodec.ShardSet, error)
}

// Config carries the transfer-relevant knobs from the ambient Config.
type Config struct {
	K, M                int
	ReplicationFactor   int
	MaxConcurrentShards int
	ShardRetryLimit     int
	StragglerTimeout    time.Duration
	ReservationTTL      time.Duration
	// MinPublishShards is the number of covered shard indices beyond k
	// (ceil(m/2) by default) required before a descriptor is published.
	MinPublishShards int
}

// Orchestrator implements the blob-level Put/Get primitives.
type Orchestrator struct {
	codec     *shardcodec.Codec
	transport messenger.Messenger
	placer    *placement.Engine
	publisher DescriptorPublisher
	descCodec DescriptorCodec
	cfg       Config
	log       *zap.Logger

	putGroup singleflight.Group // dedups concurrent Puts of the same FileKey
}

// New constructs an Orchestrator.
func New(codec *shardcodec.Codec, transport messenger.Messenger, placer *placement.Engine, publisher DescriptorPublisher, descCodec DescriptorCodec, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConcurrentShards <= 0 {
		cfg.MaxConcurrentShards = 4
	}
	if cfg.ShardRetryLimit <= 0 {
		cfg.ShardRetryLimit = 3
	}
	return &Orchestrator{codec: codec, transport: transport, placer: placer, publisher: publisher, descCodec: descCodec, cfg: cfg, log: log}
}

// PutResult is the outcome of a successful Put.
type PutResult struct {
	ShardSet *shardcodec.ShardSet
	Key      [shardcodec.KeySize]byte // the retained convergent key; caller must store it locally
	Placed   int
}

// Put encodes blob, places its shards, and publishes the descriptor once at
// least k+MinPublishShards shards have landed, per the specification's
// publish-threshold rule. Concurrent Puts of an identical blob (same
// convergent FileKey, since policy.Salt is fixed per caller) are
// deduplicated via singleflight so only one encode+placement round actually
// runs the network side.
func (o *Orchestrator) Put(ctx context.Context, blob []byte, policy shardcodec.Policy) (*PutResult, error) {
	set, shards, key, err := o.codec.Encode(blob, policy)
	if err != nil {
		return nil, err
	}

	dedupKey := string(set.FileKey[:])
	v, err, _ := o.putGroup.Do(dedupKey, func() (interface{}, error) {
		return o.placeAndPublish(ctx, set, shards)
	})
	if err != nil {
		return nil, err
	}
	placed := v.(int)
	return &PutResult{ShardSet: set, Key: key, Placed: placed}, nil
}

func (o *Orchestrator) placeAndPublish(ctx context.Context, set *shardcodec.ShardSet, shards []shardcodec.Shard) (int, error) {
	k, m := int(set.K), int(set.M)
	result, err := o.placer.Place(ctx, set.FileKey, set.Shards, k, m, o.cfg.ReplicationFactor, func(ctx context.Context, peer messenger.PeerRecord, idx int) bool {
		return o.sendShard(ctx, peer, &shards[idx])
	})
	if err != nil {
		return 0, err
	}

	// A shard index only needs one live replica to be decodable; the
	// publish-threshold rule is measured in shard indices covered, not the
	// total replica count (which can run as high as n*ReplicationFactor).
	covered := 0
	for _, replicas := range result.Replicas {
		if len(replicas) > 0 {
			covered++
		}
	}
	minRequired := k + o.cfg.MinPublishShards
	if covered < minRequired {
		return result.Placed, merrors.Newf(merrors.KindUnderReplicated, "transfer.Put",
			"covered %d/%d shard indices, need at least %d before publishing", covered, k+m, minRequired)
	}

	data, err := o.descCodec.Marshal(set)
	if err != nil {
		return result.Placed, err
	}
	accepted, err := o.publisher.Put(ctx, set.FileKey, data, o.cfg.ReplicationFactor)
	if err != nil {
		return result.Placed, err
	}
	majority := o.cfg.ReplicationFactor/2 + 1
	if accepted < majority {
		return result.Placed, merrors.Newf(merrors.KindUnderReplicated, "transfer.Put",
			"descriptor accepted by only %d/%d replicas, need a majority of %d before treating the PUT as durable",
			accepted, o.cfg.ReplicationFactor, majority)
	}
	return result.Placed, nil
}

// sendShard reserves space on peer, uploads the shard, and commits, retrying
// up to ShardRetryLimit times. A refusal at any step is a skip, not an
// escalation: the caller (PlacementEngine) falls back to the next candidate.
func (o *Orchestrator) sendShard(ctx context.Context, peer messenger.PeerRecord, shard *shardcodec.Shard) bool {
	for attempt := 0; attempt < o.cfg.ShardRetryLimit; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, o.cfg.ReservationTTL)
		token, err := o.transport.Reserve(rctx, peer, shard.ShardID, uint32(len(shard.Payload)))
		if err != nil {
			cancel()
			continue
		}
		if err := o.transport.PutShard(rctx, peer, token, shard); err != nil {
			// rctx may already be canceled by the PutShard failure path (or
			// by the caller cancelling ctx); releasing the reservation must
			// still reach the peer, so it runs under its own fresh context.
			relCtx, relCancel := context.WithTimeout(context.Background(), o.cfg.ReservationTTL)
			o.transport.ReleaseShard(relCtx, peer, token)
			relCancel()
			cancel()
			continue
		}
		if err := o.transport.CommitShard(rctx, peer, token); err != nil {
			cancel()
			continue
		}
		cancel()
		return true
	}
	return false
}

// GetResult is the outcome of a successful Get.
type GetResult struct {
	Blob []byte
}

// Get resolves set's shards from the peers holding them, fetching in
// ascending shard-index order with a straggler timeout: any fetch that has
// not answered within StragglerTimeout triggers a speculative re-fetch from
// the next-closest peer, and all outstanding fetches are cancelled as soon
// as k valid shards are in hand.
func (o *Orchestrator) Get(ctx context.Context, set *shardcodec.ShardSet, key [shardcodec.KeySize]byte, locate func(shardIndex int) ([]messenger.PeerRecord, error)) (*GetResult, error) {
	n := len(set.Shards)
	k := int(set.K)

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shards := make([]*shardcodec.Shard, n)
	var mu sync.Mutex
	validCount := 0

	g, gctx := errgroup.WithContext(gctx)
	g.SetLimit(o.cfg.MaxConcurrentShards)

	for i := 0; i < n; i++ {
		idx := i
		g.Go(func() error {
			shard, ok := o.fetchShardWithStraggler(gctx, set.Shards[idx], locate, idx)
			if !ok {
				return nil
			}
			mu.Lock()
			shards[idx] = shard
			validCount++
			done := validCount >= k
			mu.Unlock()
			if done {
				cancel() // enough shards: stop any still-outstanding fetches
			}
			return nil
		})
	}
	_ = g.Wait() // errors from individual fetches are swallowed; insufficiency is checked below

	blob, err := o.codec.Decode(set, shards, key)
	if err != nil {
		return nil, err
	}
	return &GetResult{Blob: blob}, nil
}

// fetchShardWithStraggler tries the closest peer first; if it hasn't
// responded within StragglerTimeout, a speculative fetch against the
// next-closest peer is started in parallel, and whichever answers first
// wins.
func (o *Orchestrator) fetchShardWithStraggler(ctx context.Context, shardID meshid.ShardId, locate func(int) ([]messenger.PeerRecord, error), idx int) (*shardcodec.Shard, bool) {
	peers, err := locate(idx)
	if err != nil || len(peers) == 0 {
		return nil, false
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].PeerID.CloserTo(shardID, peers[j].PeerID)
	})

	type fetchOutcome struct {
		shard *shardcodec.Shard
		err   error
	}
	results := make(chan fetchOutcome, len(peers))
	tryPeer := func(p messenger.PeerRecord) {
		s, err := o.transport.GetShard(ctx, p, shardID)
		select {
		case results <- fetchOutcome{shard: s, err: err}:
		case <-ctx.Done():
		}
	}

	go tryPeer(peers[0])
	timer := time.NewTimer(o.cfg.StragglerTimeout)
	defer timer.Stop()

	next := 1
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case out := <-results:
			if out.err == nil && out.shard != nil {
				return out.shard, true
			}
			if next < len(peers) {
				go tryPeer(peers[next])
				next++
				continue
			}
			return nil, false
		case <-timer.C:
			if next < len(peers) {
				go tryPeer(peers[next])
				next++
			}
		}
	}
}
