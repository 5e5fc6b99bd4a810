// Package messenger defines the PeerMessenger abstraction: the only way the
// DataMesh core talks to a remote peer. The concrete transport (secure
// channel handshake, NAT traversal, framing) is an external collaborator per
// the specification; this package only fixes the logical message shapes,
// grounded on the teacher's pkg/meshstorage/rpc.go message catalogue
// (RPCMessage/RPCResponse and its StoreShard/GetShard/ShardStatus/Ping
// message types), stripped of its libp2p stream transport.
package messenger

import (
	"context"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/shardcodec"
)

// ProtocolVersion is the version number of the message shapes below, taken
// from the teacher's pkg/meshstorage/version.go version-info feature. No
// Messenger or Handler method carries it, and nothing in this package
// negotiates or checks it.
const ProtocolVersion = 1

// PeerRecord is the DHT's notion of a remote peer: identity, addresses and
// liveness bookkeeping. Lives in k-buckets.
type PeerRecord struct {
	PeerID                meshid.PeerId
	AdvertisedAddresses   []string
	LastSeen              int64 // unix millis, set by the router, not the transport
	RTTEstimate           int64 // millis
	ObservedAvailableBytes uint64
}

// ReservationToken identifies an in-flight two-phase quota reservation at a
// remote peer.
type ReservationToken [16]byte

// Messenger is the abstract send/receive surface the core consumes. Every
// method is addressed at a specific remote PeerRecord and must observe ctx
// cancellation at its next suspension point (the only places this interface
// may block: the underlying network round-trip).
type Messenger interface {
	Ping(ctx context.Context, peer PeerRecord) error
	FindNode(ctx context.Context, peer PeerRecord, target meshid.ID) ([]PeerRecord, error)
	FindValue(ctx context.Context, peer PeerRecord, key meshid.ID) (value []byte, closer []PeerRecord, found bool, err error)
	Store(ctx context.Context, peer PeerRecord, key meshid.ID, value []byte) error
	Have(ctx context.Context, peer PeerRecord, shardID meshid.ShardId) (bool, error)
	GetShard(ctx context.Context, peer PeerRecord, shardID meshid.ShardId) (*shardcodec.Shard, error)
	Reserve(ctx context.Context, peer PeerRecord, shardID meshid.ShardId, length uint32) (ReservationToken, error)
	PutShard(ctx context.Context, peer PeerRecord, token ReservationToken, shard *shardcodec.Shard) error
	CommitShard(ctx context.Context, peer PeerRecord, token ReservationToken) error
	ReleaseShard(ctx context.Context, peer PeerRecord, token ReservationToken) error
}

// Handler is the server-side counterpart: whatever dispatches an inbound
// message (the transport collaborator) calls into a Handler, typically
// implemented by a peerrouter.Router plus a shardstore.Store. Keeping this
// as a separate interface from Messenger lets a single process act as both
// client and server without the two roles leaking into each other's types.
type Handler interface {
	HandlePing(ctx context.Context, from PeerRecord) error
	HandleFindNode(ctx context.Context, from PeerRecord, target meshid.ID) ([]PeerRecord, error)
	HandleFindValue(ctx context.Context, from PeerRecord, key meshid.ID) (value []byte, closer []PeerRecord, found bool, err error)
	HandleStore(ctx context.Context, from PeerRecord, key meshid.ID, value []byte) error
	HandleHave(ctx context.Context, from PeerRecord, shardID meshid.ShardId) (bool, error)
	HandleGetShard(ctx context.Context, from PeerRecord, shardID meshid.ShardId) (*shardcodec.Shard, error)
	HandleReserve(ctx context.Context, from PeerRecord, shardID meshid.ShardId, length uint32) (ReservationToken, error)
	HandlePutShard(ctx context.Context, from PeerRecord, token ReservationToken, shard *shardcodec.Shard) error
	HandleCommitShard(ctx context.Context, from PeerRecord, token ReservationToken) error
	HandleReleaseShard(ctx context.Context, from PeerRecord, token ReservationToken) error
}
