// Package shardcodec implements the ShardCodec component: it turns a
// plaintext blob into a content-addressed, erasure-coded, encrypted set of
// shards and back. The erasure-coding step is adapted from the teacher's
// pkg/meshstorage/erasure.go (klauspost/reedsolomon wrapper); the per-shard
// AEAD step generalizes pkg/meshstorage/encryption.go from AES-256-GCM to
// ChaCha20-Poly1305 with a convergent, BLAKE3-derived key, as mandated by the
// specification.
package shardcodec

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/merrors"
)

// MaxKM is the largest k+m the core path is required to support.
const MaxKM = 32

// NonceSize and TagSize are the ChaCha20-Poly1305 field widths recorded in
// both the Shard struct and the on-disk shard header.
const (
	NonceSize = chacha20poly1305.NonceSize // 12
	TagSize   = 16
)

// KeySize is the width of the convergent content-encryption key.
const KeySize = 32

// Shard is one of the k+m pieces a blob is encoded into.
type Shard struct {
	ShardID    meshid.ShardId
	Index      uint8
	Generation uint32
	Payload    []byte // ciphertext, length == chunk_size
	Nonce      [NonceSize]byte
	Tag        [TagSize]byte
}

// ShardSet is the descriptor binding a FileKey to its shards and the
// parameters needed to decode them.
type ShardSet struct {
	FileKey           meshid.FileKey
	BlobSize          uint64
	ChunkSize         uint32
	K                 uint8
	M                 uint8
	Generation        uint32
	EncryptionKeyRef  [32]byte // commitment BLAKE3(key); never the raw key
	Shards            []meshid.ShardId
	FileHash          [32]byte
	CreatedAt         time.Time
}

// Policy carries the per-blob knobs the caller controls; K/M default to the
// ambient config's values when zero.
type Policy struct {
	K    uint8
	M    uint8
	Salt []byte
}

// Codec encodes and decodes blobs. It is stateless and safe for concurrent
// use; Rng is injected so tests can seed nonce generation deterministically.
type Codec struct {
	Rng io.Reader
}

// New returns a Codec reading nonces from rng.
func New(rng io.Reader) *Codec {
	return &Codec{Rng: rng}
}

// Encode implements ShardCodec.Encode: blob, policy -> ShardSet, []Shard, key.
// The returned key is the convergent content-encryption key; it is NOT
// stored in the ShardSet (only a commitment hash is) and must be retained
// by the caller (typically in a local, unpublished field of MetadataIndex)
// to later Decode.
func (c *Codec) Encode(blob []byte, policy Policy) (*ShardSet, []Shard, [KeySize]byte, error) {
	var key [KeySize]byte
	if len(blob) == 0 {
		return nil, nil, key, merrors.New(merrors.KindValidation, "shardcodec.Encode", errEmptyBlob)
	}
	k, m := policy.K, policy.M
	if k == 0 {
		k = 4
	}
	if m == 0 {
		m = 3
	}
	if int(k)+int(m) > 255 {
		return nil, nil, key, merrors.New(merrors.KindValidation, "shardcodec.Encode", errKMTooLarge)
	}

	enc, err := reedsolomon.New(int(k), int(m))
	if err != nil {
		return nil, nil, key, merrors.New(merrors.KindValidation, "shardcodec.Encode", err)
	}

	rsShards, err := enc.Split(blob)
	if err != nil {
		return nil, nil, key, merrors.New(merrors.KindValidation, "shardcodec.Encode", err)
	}
	if err := enc.Encode(rsShards); err != nil {
		return nil, nil, key, merrors.New(merrors.KindInternal, "shardcodec.Encode", err)
	}
	chunkSize := uint32(len(rsShards[0]))

	fileHash := blake3.Sum256(blob)
	key = deriveKey(blob, policy.Salt)
	keyRef := blake3.Sum256(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, key, merrors.New(merrors.KindInternal, "shardcodec.Encode", err)
	}

	const generation = 0
	shards := make([]Shard, len(rsShards))
	shardIDs := make([]meshid.ShardId, len(rsShards))
	for i, plain := range rsShards {
		var nonce [NonceSize]byte
		if _, err := io.ReadFull(c.rng(), nonce[:]); err != nil {
			return nil, nil, key, merrors.New(merrors.KindInternal, "shardcodec.Encode", err)
		}
		aad := associatedData(uint8(i))
		sealed := aead.Seal(nil, nonce[:], plain, aad)
		ciphertext := sealed[:len(sealed)-TagSize]
		var tag [TagSize]byte
		copy(tag[:], sealed[len(sealed)-TagSize:])

		id := shardID(ciphertext, nonce, tag, uint8(i), generation)
		shards[i] = Shard{
			ShardID:    id,
			Index:      uint8(i),
			Generation: generation,
			Payload:    ciphertext,
			Nonce:      nonce,
			Tag:        tag,
		}
		shardIDs[i] = id
	}

	set := &ShardSet{
		FileKey:          meshid.FileKeyFromBlob(blob, policy.Salt),
		BlobSize:         uint64(len(blob)),
		ChunkSize:        chunkSize,
		K:                k,
		M:                m,
		Generation:       generation,
		EncryptionKeyRef: keyRef,
		Shards:           shardIDs,
		FileHash:         fileHash,
		CreatedAt:        time.Now(),
	}
	return set, shards, key, nil
}

// Decode implements ShardCodec.Decode. shards is indexed by Shard.Index;
// entries the caller could not fetch must be passed as nil. Decode verifies
// each present shard's content hash and AEAD tag before trusting it, then
// reconstructs via Reed-Solomon once at least k shards validate, and
// finally verifies the whole-blob hash before returning plaintext.
func (c *Codec) Decode(set *ShardSet, shards []*Shard, key [KeySize]byte) ([]byte, error) {
	if set == nil {
		return nil, merrors.New(merrors.KindValidation, "shardcodec.Decode", errNilShardSet)
	}
	n := int(set.K) + int(set.M)
	if len(shards) != n {
		return nil, merrors.New(merrors.KindValidation, "shardcodec.Decode", errShardCountMismatch)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, merrors.New(merrors.KindInternal, "shardcodec.Decode", err)
	}

	rsShards := make([][]byte, n)
	live := 0
	for i, s := range shards {
		if s == nil {
			continue
		}
		wantID := shardID(s.Payload, s.Nonce, s.Tag, s.Index, s.Generation)
		if !wantID.Equal(set.Shards[i]) || !wantID.Equal(s.ShardID) {
			// Silently reject: counts toward shortage, per spec 4.1.
			continue
		}
		aad := associatedData(s.Index)
		sealed := append(append([]byte{}, s.Payload...), s.Tag[:]...)
		plain, err := aead.Open(nil, s.Nonce[:], sealed, aad)
		if err != nil {
			continue
		}
		rsShards[i] = plain
		live++
	}

	if live < int(set.K) {
		return nil, merrors.New(merrors.KindInsufficientShards, "shardcodec.Decode", errShortage)
	}

	enc, err := reedsolomon.New(int(set.K), int(set.M))
	if err != nil {
		return nil, merrors.New(merrors.KindInternal, "shardcodec.Decode", err)
	}
	if err := enc.Reconstruct(rsShards); err != nil {
		return nil, merrors.New(merrors.KindInsufficientShards, "shardcodec.Decode", err)
	}

	blob := make([]byte, 0, set.BlobSize)
	for i := 0; i < int(set.K); i++ {
		blob = append(blob, rsShards[i]...)
	}
	blob = blob[:set.BlobSize]

	gotHash := blake3.Sum256(blob)
	if gotHash != set.FileHash {
		return nil, merrors.New(merrors.KindIntegrityFailure, "shardcodec.Decode", errHashMismatch)
	}
	return blob, nil
}

func (c *Codec) rng() io.Reader {
	if c.Rng != nil {
		return c.Rng
	}
	return defaultRng{}
}

func shardID(ciphertext []byte, nonce [NonceSize]byte, tag [TagSize]byte, index uint8, generation uint32) meshid.ShardId {
	h := blake3.New(meshid.Size, nil)
	h.Write(ciphertext)
	h.Write(nonce[:])
	h.Write(tag[:])
	h.Write([]byte{index})
	var genBuf [4]byte
	binary.LittleEndian.PutUint32(genBuf[:], generation)
	h.Write(genBuf[:])
	return meshid.FromBytes(h.Sum(nil))
}

func deriveKey(plaintext, salt []byte) [KeySize]byte {
	h := blake3.New(KeySize, nil)
	h.Write(plaintext)
	h.Write(salt)
	var key [KeySize]byte
	copy(key[:], h.Sum(nil))
	return key
}

func associatedData(index uint8) []byte {
	return []byte{index}
}

type defaultRng struct{}

func (defaultRng) Read(p []byte) (int, error) { return cryptorand.Read(p) }

type codecError string

func (e codecError) Error() string { return string(e) }

const (
	errEmptyBlob          = codecError("blob must not be empty")
	errKMTooLarge         = codecError("k+m exceeds 255")
	errNilShardSet        = codecError("nil ShardSet")
	errShardCountMismatch = codecError("shards slice length does not match k+m")
	errShortage           = codecError("fewer than k shards validated")
	errHashMismatch       = codecError("reconstructed blob hash does not match file_hash")
)
