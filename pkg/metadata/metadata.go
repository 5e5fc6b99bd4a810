// Package metadata implements MetadataIndex: the local, durable mapping from
// a human-assigned file name to its FileKey, and from a FileKey to the
// ShardSet descriptor needed to decode it. It is grounded on the teacher's
// pkg/meshstorage/storage.go local persistence layer, generalized from a
// single chunk-metadata table to the two-table name/shardset index the
// specification requires, and switched onto github.com/tidwall/buntdb for
// the append-log-plus-snapshot durability the teacher's flat JSON file did
// not provide.
package metadata

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/tidwall/buntdb"
	"go.uber.org/zap"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/merrors"
	"github.com/datamesh/datamesh/pkg/shardcodec"
)

const (
	nameKeyPrefix     = "name:"
	shardSetKeyPrefix = "shardset:"
)

// record is the durable, JSON-encoded value stored per FileKey. Key is kept
// alongside the ShardSet (not published to the DHT — only ShardSet's own
// EncryptionKeyRef commitment is) so a local node can Decode without asking
// anyone else for the key.
type record struct {
	ShardSet *shardcodec.ShardSet          `json:"shard_set"`
	Key      [shardcodec.KeySize]byte      `json:"key"`
	SavedAt  time.Time                     `json:"saved_at"`
}

// Index is the local MetadataIndex, backed by a buntdb file (or ":memory:"
// for tests).
type Index struct {
	db  *buntdb.DB
	log *zap.Logger
}

// Open opens (creating if absent) the index at path. Pass ":memory:" for a
// non-persistent index, matching buntdb's own convention.
func Open(path string, log *zap.Logger) (*Index, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, merrors.New(merrors.KindIoError, "metadata.Open", err)
	}
	// Periodic background compaction keeps the append-log from growing
	// unboundedly as ShardSets are rewritten (generation bumps, renames).
	if err := db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.Always,
		AutoShrinkPercentage: 100,
		AutoShrinkMinSize:    32 * 1024 * 1024,
	}); err != nil {
		db.Close()
		return nil, merrors.New(merrors.KindInternal, "metadata.Open", err)
	}
	return &Index{db: db, log: log}, nil
}

// Close flushes and closes the underlying store.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func fileKeyToHex(k meshid.FileKey) string { return hex.EncodeToString(k[:]) }

// Put durably records set (and its locally-retained decryption key) under
// its own FileKey, and binds name to that FileKey. A name already bound to a
// different FileKey is rebound (the specification treats file names as a
// local, mutable pointer, not a content identity).
func (idx *Index) Put(name string, set *shardcodec.ShardSet, key [shardcodec.KeySize]byte) error {
	rec := record{ShardSet: set, Key: key, SavedAt: set.CreatedAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return merrors.New(merrors.KindInternal, "metadata.Put", err)
	}
	fkHex := fileKeyToHex(set.FileKey)

	return idx.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(shardSetKeyPrefix+fkHex, string(data), nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(nameKeyPrefix+name, fkHex, nil); err != nil {
			return err
		}
		return nil
	})
}

// Resolve looks up the FileKey and ShardSet bound to name.
func (idx *Index) Resolve(name string) (*shardcodec.ShardSet, [shardcodec.KeySize]byte, error) {
	var fkHex string
	err := idx.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(nameKeyPrefix + name)
		if err != nil {
			return err
		}
		fkHex = v
		return nil
	})
	if err != nil {
		var zero [shardcodec.KeySize]byte
		if err == buntdb.ErrNotFound {
			return nil, zero, merrors.New(merrors.KindNotFound, "metadata.Resolve", err)
		}
		return nil, zero, merrors.New(merrors.KindIoError, "metadata.Resolve", err)
	}
	return idx.getShardSet(fkHex)
}

// Get looks up the ShardSet bound to a FileKey directly (used when a caller
// already resolved a FileKey via the DHT descriptor and just needs the
// locally-retained decryption key, or when refreshing after a repair).
func (idx *Index) Get(fileKey meshid.FileKey) (*shardcodec.ShardSet, [shardcodec.KeySize]byte, error) {
	return idx.getShardSet(fileKeyToHex(fileKey))
}

func (idx *Index) getShardSet(fkHex string) (*shardcodec.ShardSet, [shardcodec.KeySize]byte, error) {
	var raw string
	err := idx.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(shardSetKeyPrefix + fkHex)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	var zero [shardcodec.KeySize]byte
	if err != nil {
		if err == buntdb.ErrNotFound {
			return nil, zero, merrors.New(merrors.KindNotFound, "metadata.getShardSet", err)
		}
		return nil, zero, merrors.New(merrors.KindIoError, "metadata.getShardSet", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, zero, merrors.New(merrors.KindInternal, "metadata.getShardSet", err)
	}
	return rec.ShardSet, rec.Key, nil
}

// UpdateShardSet overwrites the durable record for set.FileKey in place,
// without touching any name binding. Used by the repair loop to persist a
// reconstructed ShardSet (bumped Generation, refreshed key) under the same
// FileKey identity every existing name binding already points at.
func (idx *Index) UpdateShardSet(set *shardcodec.ShardSet, key [shardcodec.KeySize]byte) error {
	rec := record{ShardSet: set, Key: key, SavedAt: set.CreatedAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return merrors.New(merrors.KindInternal, "metadata.UpdateShardSet", err)
	}
	fkHex := fileKeyToHex(set.FileKey)
	return idx.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(shardSetKeyPrefix+fkHex, string(data), nil)
		return err
	})
}

// Rename rebinds name to newName without touching the underlying ShardSet or
// FileKey, a purely local operation per the specification's note that
// renames never propagate to the DHT or other replicas.
func (idx *Index) Rename(name, newName string) error {
	return idx.db.Update(func(tx *buntdb.Tx) error {
		fkHex, err := tx.Get(nameKeyPrefix + name)
		if err != nil {
			return err
		}
		if _, err := tx.Delete(nameKeyPrefix + name); err != nil {
			return err
		}
		_, _, err = tx.Set(nameKeyPrefix+newName, fkHex, nil)
		return err
	})
}

// DeleteLocal removes name's binding and, if no other name references the
// same FileKey, the ShardSet record itself. Shard data on remote peers is
// untouched: DeleteLocal only ever forgets local bookkeeping, per the
// specification's delete_local semantics.
func (idx *Index) DeleteLocal(name string) error {
	return idx.db.Update(func(tx *buntdb.Tx) error {
		fkHex, err := tx.Get(nameKeyPrefix + name)
		if err != nil {
			return err
		}
		if _, err := tx.Delete(nameKeyPrefix + name); err != nil {
			return err
		}

		stillReferenced := false
		iterErr := tx.Ascend("", func(key, value string) bool {
			if len(key) > len(nameKeyPrefix) && key[:len(nameKeyPrefix)] == nameKeyPrefix && value == fkHex {
				stillReferenced = true
				return false
			}
			return true
		})
		if iterErr != nil {
			return iterErr
		}
		if !stillReferenced {
			if _, err := tx.Delete(shardSetKeyPrefix + fkHex); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// Entry names a single bound file for List.
type Entry struct {
	Name    string
	FileKey meshid.FileKey
}

// List enumerates every locally-bound file name.
func (idx *Index) List() ([]Entry, error) {
	var out []Entry
	err := idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(nameKeyPrefix+"*", func(key, value string) bool {
			name := key[len(nameKeyPrefix):]
			raw, decodeErr := hex.DecodeString(value)
			if decodeErr != nil || len(raw) != meshid.Size {
				return true // skip a corrupt entry rather than abort the whole listing
			}
			var fk meshid.FileKey
			copy(fk[:], raw)
			out = append(out, Entry{Name: name, FileKey: fk})
			return true
		})
	})
	if err != nil {
		return nil, merrors.New(merrors.KindIoError, "metadata.List", err)
	}
	return out, nil
}

// Shrink forces a compaction pass over the append-log, normally left to
// buntdb's AutoShrinkPercentage but exposed for an operator-triggered pass.
func (idx *Index) Shrink() error {
	return idx.db.Shrink()
}
