// Package repair implements RepairLoop: the background process that
// classifies each known ShardSet's health tier, reconstructs and redistributes
// missing shards once a ShardSet crosses into the degraded tier, and retires
// a ShardSet as unrecoverable once it falls below the reconstruction floor.
// Grounded on the teacher's pkg/meshstorage/distributed.go
// CheckAndRepairIfNeeded/RepairChunk/monitorLoop, with the fixed
// TotalShards/HealthGood-style constants replaced by each ShardSet's own k/m
// and RepairMargin, and the unbounded background goroutine throttled by
// golang.org/x/time/rate as the rest of the example pack does for
// maintenance loops.
package repair

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/merrors"
	"github.com/datamesh/datamesh/pkg/messenger"
	"github.com/datamesh/datamesh/pkg/placement"
	"github.com/datamesh/datamesh/pkg/shardcodec"
)

// Tier is a ShardSet's health classification.
type Tier int

const (
	Healthy Tier = iota
	Degraded
	Repairing
	Unrecoverable
)

func (t Tier) String() string {
	switch t {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Repairing:
		return "repairing"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Classify maps a live shard count against k/m/repairMargin to a Tier,
// mirroring the teacher's HealthGood/HealthDegraded/HealthCritical ladder
// but parameterized per ShardSet instead of a fixed TotalShards constant.
//
//   - live >= k+repairMargin (capped at k+m): Healthy, no action.
//   - live in [k, that floor): Degraded, repair should run.
//   - live < k: Unrecoverable, no combination of remaining shards decodes.
func Classify(live, k, m, repairMargin int) Tier {
	if live < k {
		return Unrecoverable
	}
	healthyFloor := k + repairMargin
	if healthyFloor > k+m {
		healthyFloor = k + m
	}
	if healthyFloor < k {
		healthyFloor = k
	}
	if live >= healthyFloor {
		return Healthy
	}
	return Degraded
}

// Candidate is one ShardSet under repair-loop consideration.
type Candidate struct {
	Set       *shardcodec.ShardSet
	Key       [shardcodec.KeySize]byte
	LiveCount int
}

// ShardFetcher resolves which peers currently hold a given shard and fetches
// it, matching the seam transfer.Orchestrator.Get uses, so RepairLoop can
// reuse the same shard-location strategy without importing transfer
// directly (avoiding an import cycle, since transfer may in turn want to
// trigger a repair on insufficiency).
type ShardFetcher interface {
	Locate(ctx context.Context, shardID [32]byte) ([]messenger.PeerRecord, error)
	Fetch(ctx context.Context, peer messenger.PeerRecord, shardID [32]byte) (*shardcodec.Shard, error)
}

// Config carries the repair-relevant knobs from the ambient Config.
type Config struct {
	RepairMargin       int
	TokenRate          rate.Limit
	TokenBurst         int
	ReconstructTimeout time.Duration
	ShardRetryLimit    int
	ReservationTTL     time.Duration
}

// Loop runs the health-tier classification and reconstruction pipeline.
type Loop struct {
	fetcher   ShardFetcher
	codec     *shardcodec.Codec
	placer    *placement.Engine
	transport messenger.Messenger
	ledger    *Ledger
	limiter   *rate.Limiter
	cfg       Config
	log       *zap.Logger
}

// New constructs a RepairLoop. transport is used to actually push
// reconstructed shard bytes to the peers PlacementEngine selects for them;
// it may be nil only for tests that never reach a Degraded ShardSet.
func New(fetcher ShardFetcher, codec *shardcodec.Codec, placer *placement.Engine, transport messenger.Messenger, ledger *Ledger, cfg Config, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TokenRate <= 0 {
		cfg.TokenRate = 10
	}
	if cfg.TokenBurst <= 0 {
		cfg.TokenBurst = 20
	}
	if cfg.ShardRetryLimit <= 0 {
		cfg.ShardRetryLimit = 3
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 30 * time.Second
	}
	return &Loop{
		fetcher:   fetcher,
		codec:     codec,
		placer:    placer,
		transport: transport,
		ledger:    ledger,
		limiter:   rate.NewLimiter(cfg.TokenRate, cfg.TokenBurst),
		cfg:       cfg,
		log:       log,
	}
}

// Prioritize orders candidates for repair: ascending live_count first (the
// most damaged ShardSets go first), then oldest last_repaired_at (a ShardSet
// that hasn't been touched in a while is preferred over one just retried),
// per the specification's fairness rule.
func (l *Loop) Prioritize(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	type scored struct {
		c    Candidate
		last time.Time
	}
	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		h, err := l.ledger.Get(c.Set.FileKey)
		if err != nil {
			return nil, err
		}
		scoredList[i] = scored{c: c, last: h.LastRepairedAt}
	}
	sort.SliceStable(scoredList, func(i, j int) bool {
		if scoredList[i].c.LiveCount != scoredList[j].c.LiveCount {
			return scoredList[i].c.LiveCount < scoredList[j].c.LiveCount
		}
		return scoredList[i].last.Before(scoredList[j].last)
	})
	out := make([]Candidate, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.c
	}
	return out, nil
}

// Repaired is returned by RunOne when reconstruction ran: the ShardSet
// regains its original FileKey identity (same content, same name bindings)
// but a bumped Generation and a freshly derived content key, since the
// convergent key is re-derived from the plaintext during reconstruction.
// The caller (normally meshcore) must persist NewSet/NewKey back into
// MetadataIndex under the unchanged FileKey so future Decodes use them.
type Repaired struct {
	NewSet *shardcodec.ShardSet
	NewKey [shardcodec.KeySize]byte
}

// RunOne classifies one candidate and, if it is Degraded, reconstructs its
// missing shards and redistributes them via PlacementEngine. It returns the
// resulting Tier and, when reconstruction ran, the updated descriptor.
func (l *Loop) RunOne(ctx context.Context, c Candidate, now func() time.Time) (Tier, *Repaired, error) {
	k, m := int(c.Set.K), int(c.Set.M)
	tier := Classify(c.LiveCount, k, m, l.cfg.RepairMargin)

	switch tier {
	case Healthy:
		if err := l.ledger.RecordHealthy(c.Set.FileKey, now()); err != nil {
			return tier, nil, err
		}
		return tier, nil, nil
	case Unrecoverable:
		return tier, nil, merrors.Newf(merrors.KindUnrecoverable, "repair.RunOne",
			"file_key %x has only %d live shards, below k=%d", c.Set.FileKey, c.LiveCount, k)
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return tier, nil, merrors.New(merrors.KindCancelled, "repair.RunOne", err)
	}
	if err := l.ledger.RecordAttempt(c.Set.FileKey, c.LiveCount, now()); err != nil {
		return tier, nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, l.cfg.ReconstructTimeout)
	defer cancel()

	n := len(c.Set.Shards)
	shards := make([]*shardcodec.Shard, n)
	for i, shardID := range c.Set.Shards {
		peers, err := l.fetcher.Locate(rctx, shardID)
		if err != nil || len(peers) == 0 {
			continue
		}
		shard, err := l.fetcher.Fetch(rctx, peers[0], shardID)
		if err != nil {
			continue
		}
		shards[i] = shard
	}

	blob, err := l.codec.Decode(c.Set, shards, c.Key)
	if err != nil {
		return Degraded, nil, err
	}

	// Re-encode from the reconstructed plaintext: every shard (not just the
	// missing ones) gets a fresh nonce and content key, so the Generation
	// bumps and the FileKey identity is preserved explicitly below even
	// though the codec derives a fresh one from the (unsalted) blob.
	newSet, newShards, newKey, err := l.codec.Encode(blob, shardcodec.Policy{K: uint8(k), M: uint8(m)})
	if err != nil {
		return Degraded, nil, err
	}
	newSet.FileKey = c.Set.FileKey
	newSet.Generation = c.Set.Generation + 1

	var missingIDs []meshid.ShardId
	missingIdx := make(map[meshid.ShardId]int, len(shards))
	for i, s := range shards {
		if s == nil {
			missingIDs = append(missingIDs, newSet.Shards[i])
			missingIdx[newSet.Shards[i]] = i
		}
	}

	repaired := &Repaired{NewSet: newSet, NewKey: newKey}
	if len(missingIDs) == 0 {
		return Healthy, repaired, nil
	}

	res, err := l.placer.Place(rctx, newSet.FileKey, missingIDs, k, m, 1, func(ctx context.Context, peer messenger.PeerRecord, idx int) bool {
		return l.sendShard(ctx, peer, &newShards[missingIdx[missingIDs[idx]]])
	})
	if err != nil {
		return Degraded, repaired, err
	}
	if res.Placed < len(missingIDs) {
		return Degraded, repaired, merrors.Newf(merrors.KindUnderReplicated, "repair.RunOne",
			"placed %d/%d reconstructed shards", res.Placed, len(missingIDs))
	}
	return Healthy, repaired, nil
}

// sendShard reserves space on peer, uploads shard, and commits, retrying up
// to ShardRetryLimit times, mirroring transfer.Orchestrator.sendShard so a
// reconstructed shard is actually delivered rather than only computed.
func (l *Loop) sendShard(ctx context.Context, peer messenger.PeerRecord, shard *shardcodec.Shard) bool {
	for attempt := 0; attempt < l.cfg.ShardRetryLimit; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, l.cfg.ReservationTTL)
		token, err := l.transport.Reserve(rctx, peer, shard.ShardID, uint32(len(shard.Payload)))
		if err != nil {
			cancel()
			continue
		}
		if err := l.transport.PutShard(rctx, peer, token, shard); err != nil {
			relCtx, relCancel := context.WithTimeout(context.Background(), l.cfg.ReservationTTL)
			l.transport.ReleaseShard(relCtx, peer, token)
			relCancel()
			cancel()
			continue
		}
		if err := l.transport.CommitShard(rctx, peer, token); err != nil {
			cancel()
			continue
		}
		cancel()
		return true
	}
	return false
}
