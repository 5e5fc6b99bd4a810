package merrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(KindNotFound, "peerrouter.Get", nil)
	if !Is(err, KindNotFound) {
		t.Fatal("expected Is to match KindNotFound")
	}
	if Is(err, KindTimeout) {
		t.Fatal("did not expect Is to match KindTimeout")
	}
}

func TestIsThroughWrap(t *testing.T) {
	cause := New(KindIoError, "shardstore.put", errors.New("disk full"))
	wrapped := fmt.Errorf("shardstore.Put: %w", cause)

	if !Is(wrapped, KindIoError) {
		t.Fatal("expected Is to see through fmt.Errorf wrapping")
	}
}

func TestKindOf(t *testing.T) {
	err := New(KindIntegrityFailure, "shardcodec.Decode", nil)
	kind, ok := KindOf(err)
	if !ok || kind != KindIntegrityFailure {
		t.Fatalf("expected KindIntegrityFailure, got %v ok=%v", kind, ok)
	}

	_, ok = KindOf(errors.New("plain"))
	if ok {
		t.Fatal("expected KindOf to fail on a plain error")
	}
}
