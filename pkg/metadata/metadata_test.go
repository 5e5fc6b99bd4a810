package metadata

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/datamesh/datamesh/pkg/meshid"
	"github.com/datamesh/datamesh/pkg/shardcodec"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func makeTestShardSet(t *testing.T) (*shardcodec.ShardSet, [shardcodec.KeySize]byte) {
	t.Helper()
	var fileKey meshid.FileKey
	rand.Read(fileKey[:])
	var key [shardcodec.KeySize]byte
	rand.Read(key[:])
	shardIDs := make([]meshid.ShardId, 7)
	for i := range shardIDs {
		rand.Read(shardIDs[i][:])
	}
	return &shardcodec.ShardSet{
		FileKey:    fileKey,
		BlobSize:   12345,
		ChunkSize:  4096,
		K:          4,
		M:          3,
		Generation: 1,
		Shards:     shardIDs,
		CreatedAt:  time.Now(),
	}, key
}

func TestPutAndResolveByName(t *testing.T) {
	idx := openTestIndex(t)
	set, key := makeTestShardSet(t)

	if err := idx.Put("report.pdf", set, key); err != nil {
		t.Fatalf("Put: %v", err)
	}

	gotSet, gotKey, err := idx.Resolve("report.pdf")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotSet.FileKey != set.FileKey {
		t.Fatal("resolved FileKey mismatch")
	}
	if gotKey != key {
		t.Fatal("resolved key mismatch")
	}
}

func TestResolveMissingNameFails(t *testing.T) {
	idx := openTestIndex(t)
	if _, _, err := idx.Resolve("nope.txt"); err == nil {
		t.Fatal("expected error for unbound name")
	}
}

func TestRenameIsLocalOnly(t *testing.T) {
	idx := openTestIndex(t)
	set, key := makeTestShardSet(t)
	if err := idx.Put("old.txt", set, key); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Rename("old.txt", "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, _, err := idx.Resolve("old.txt"); err == nil {
		t.Fatal("expected old name to be unbound after rename")
	}
	gotSet, _, err := idx.Resolve("new.txt")
	if err != nil {
		t.Fatalf("Resolve new name: %v", err)
	}
	if gotSet.FileKey != set.FileKey {
		t.Fatal("renamed entry FileKey mismatch")
	}
}

func TestDeleteLocalRemovesUnreferencedShardSet(t *testing.T) {
	idx := openTestIndex(t)
	set, key := makeTestShardSet(t)
	if err := idx.Put("solo.txt", set, key); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.DeleteLocal("solo.txt"); err != nil {
		t.Fatalf("DeleteLocal: %v", err)
	}
	if _, _, err := idx.Resolve("solo.txt"); err == nil {
		t.Fatal("expected name to be gone")
	}
	if _, _, err := idx.Get(set.FileKey); err == nil {
		t.Fatal("expected unreferenced ShardSet to be gone too")
	}
}

func TestDeleteLocalKeepsSharedShardSet(t *testing.T) {
	idx := openTestIndex(t)
	set, key := makeTestShardSet(t)
	if err := idx.Put("a.txt", set, key); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	// Bind a second name to the same FileKey by constructing a record with
	// an identical FileKey (simulating two names pointing at one upload).
	if err := idx.Put("b.txt", set, key); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if err := idx.DeleteLocal("a.txt"); err != nil {
		t.Fatalf("DeleteLocal: %v", err)
	}
	if _, _, err := idx.Get(set.FileKey); err != nil {
		t.Fatalf("expected ShardSet to survive while b.txt still references it: %v", err)
	}
}

func TestListEnumeratesBoundNames(t *testing.T) {
	idx := openTestIndex(t)
	set1, key1 := makeTestShardSet(t)
	set2, key2 := makeTestShardSet(t)
	if err := idx.Put("one.txt", set1, key1); err != nil {
		t.Fatalf("Put one: %v", err)
	}
	if err := idx.Put("two.txt", set2, key2); err != nil {
		t.Fatalf("Put two: %v", err)
	}

	entries, err := idx.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
