package storage

import (
	"context"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	payload := []byte("region,amount\nnorth,10\n")
	if err := fs.Put(ctx, "datasets/1/sales.csv", payload, "text/csv"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := fs.Get(ctx, "datasets/1/sales.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %q", got)
	}

	if err := fs.Delete(ctx, "datasets/1/sales.csv"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := fs.Get(ctx, "datasets/1/sales.csv"); err == nil {
		t.Fatalf("expected error after delete")
	}
	// Deleting a missing key is not an error.
	if err := fs.Delete(ctx, "datasets/1/sales.csv"); err != nil {
		t.Fatalf("idempotent delete: %v", err)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"../escape", "..", "/abs/path", "a/../../b"} {
		if err := fs.Put(ctx, key, []byte("x"), "text/csv"); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}
