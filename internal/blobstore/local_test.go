package blobstore

import (
	"context"
	"testing"
)

func TestLocalStorePutGetRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	data := []byte("partial result payload")
	handle, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, handle)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch: want=%q got=%q", data, got)
	}
}

func TestLocalStorePutIsContentAddressed(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	h1, err := store.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := store.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("identical content should hash to same handle: %s != %s", h1, h2)
	}

	h3, err := store.Put(ctx, []byte("different bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h3 == h1 {
		t.Fatalf("different content should not collide: %s", h3)
	}
}

func TestLocalStoreExistsAndDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	handle, err := store.Put(ctx, []byte("ephemeral"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := store.Exists(ctx, handle)
	if err != nil || !ok {
		t.Fatalf("Exists after Put: ok=%v err=%v", ok, err)
	}

	if err := store.Delete(ctx, handle); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = store.Exists(ctx, handle)
	if err != nil || ok {
		t.Fatalf("Exists after Delete: ok=%v err=%v", ok, err)
	}
}

func TestLocalStoreGetMissingHandle(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	missing := Handle("0000000000000000000000000000000000000000000000000000000000000000")
	if _, err := store.Get(context.Background(), missing); err == nil {
		t.Fatalf("expected not-found error for absent handle")
	}
}

func TestLocalStoreGetMalformedHandle(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if _, err := store.Get(context.Background(), Handle("not-a-hash")); err == nil {
		t.Fatalf("expected error for malformed handle")
	}
}
