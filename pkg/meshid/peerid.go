// Package meshid implements the 256-bit identifiers used throughout DataMesh:
// PeerId (XOR-metric DHT position), ShardId (content address), and FileKey
// (the DHT key a ShardSet descriptor is published under).
package meshid

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"math/bits"

	"lukechampine.com/blake3"
)

// Size is the width in bytes of every identifier in this package (256 bits).
const Size = 32

// ID is a 256-bit identifier compared under the XOR metric.
type ID [Size]byte

// PeerId, ShardId and FileKey are all ID under the hood; distinct names
// keep call sites self-documenting even though the representation is shared.
type (
	PeerId  = ID
	ShardId = ID
	FileKey = ID
)

// PeerIDFromPublicKey derives a PeerId from a peer's long-term Ed25519 public
// key by hashing it, so that DHT positions are uniformly distributed rather
// than inheriting any structure from the key itself.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerId {
	return ID(blake3.Sum256(pub))
}

// Random returns a uniformly random ID, reading from r. Tests pass a
// deterministic Rng; production passes crypto/rand.Reader.
func Random(r interface{ Read([]byte) (int, error) }) (ID, error) {
	var id ID
	_, err := r.Read(id[:])
	return id, err
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether id and other are the same identifier, in constant
// time so routing-table lookups cannot be timed to leak bits.
func (id ID) Equal(other ID) bool {
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// Less provides a total order over IDs, used as the final tie-break in
// frontier sorts once xor_distance and rtt_estimate are equal.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Xor returns the bitwise XOR distance between id and other.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// CommonPrefixLen returns the number of leading bits id and other share,
// which determines which k-bucket a peer belongs in.
func (id ID) CommonPrefixLen(other ID) int {
	d := id.Xor(other)
	total := 0
	for _, b := range d {
		if b == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(b)
		break
	}
	return total
}

// CloserTo reports whether id is closer to target than other is, under the
// XOR metric.
func (id ID) CloserTo(target, other ID) bool {
	da := id.Xor(target)
	db := other.Xor(target)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// IsZero reports whether id is the all-zero identifier (used to detect an
// unset/uninitialized ID).
func (id ID) IsZero() bool {
	var zero ID
	return id == zero
}

// FromBytes copies b into an ID, panicking if the length does not match —
// callers are expected to validate length from a trusted wire format first.
func FromBytes(b []byte) ID {
	if len(b) != Size {
		panic("meshid: FromBytes given a slice of the wrong length")
	}
	var id ID
	copy(id[:], b)
	return id
}

// FileKeyFromBlob derives the DHT key a ShardSet descriptor is published
// under: BLAKE3(plaintext || salt), per the FileKey definition in the data
// model.
func FileKeyFromBlob(plaintext, salt []byte) FileKey {
	h := blake3.New(Size, nil)
	h.Write(plaintext)
	h.Write(salt)
	var out FileKey
	copy(out[:], h.Sum(nil))
	return out
}
