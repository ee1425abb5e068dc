package blobnode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/google/uuid"
)

func newDiskStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := NewDiskStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	return store
}

func readBlob(t *testing.T, store Store, id uuid.UUID) []byte {
	t.Helper()
	blob, _, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer blob.Close()
	data, err := io.ReadAll(blob)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	return data
}

func TestDiskStore_PutGetRoundTrip(t *testing.T) {
	store := newDiskStore(t)
	ctx := context.Background()
	id := uuid.New()
	content := "some file content"

	if err := store.Put(ctx, id, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	blob, size, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer blob.Close()
	if size != int64(len(content)) {
		t.Errorf("Get() size = %d, want %d", size, len(content))
	}
	data, err := io.ReadAll(blob)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(data) != content {
		t.Errorf("blob = %q, want %q", data, content)
	}
}

func TestDiskStore_PutUnknownSize(t *testing.T) {
	store := newDiskStore(t)
	id := uuid.New()

	if err := store.Put(context.Background(), id, strings.NewReader("streamed"), -1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got := readBlob(t, store, id); string(got) != "streamed" {
		t.Errorf("blob = %q, want %q", got, "streamed")
	}
}

func TestDiskStore_PutSizeMismatch(t *testing.T) {
	store := newDiskStore(t)
	id := uuid.New()

	err := store.Put(context.Background(), id, strings.NewReader("short"), 100)
	if err == nil {
		t.Fatal("Put() expected error for size mismatch")
	}
	if _, _, err := store.Get(context.Background(), id); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get() after failed put error = %v, want ErrBlobNotFound", err)
	}
}

func TestDiskStore_PutReplacesExisting(t *testing.T) {
	store := newDiskStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := store.Put(ctx, id, strings.NewReader("old"), 3); err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	if err := store.Put(ctx, id, strings.NewReader("new content"), 11); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if got := readBlob(t, store, id); string(got) != "new content" {
		t.Errorf("blob = %q, want %q", got, "new content")
	}
}

func TestDiskStore_GetMissing(t *testing.T) {
	store := newDiskStore(t)
	if _, _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get() error = %v, want ErrBlobNotFound", err)
	}
}

func TestDiskStore_Delete(t *testing.T) {
	store := newDiskStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := store.Put(ctx, id, strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := store.Get(ctx, id); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrBlobNotFound", err)
	}
	if err := store.Delete(ctx, id); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("second Delete() error = %v, want ErrBlobNotFound", err)
	}
}

func TestDiskStore_Encrypted(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	dir := t.TempDir()
	store, err := NewDiskStore(dir, identity.Recipient(), identity)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}

	ctx := context.Background()
	id := uuid.New()
	content := "secret file content"
	if err := store.Put(ctx, id, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// On disk is ciphertext, not the plaintext.
	raw, err := os.ReadFile(filepath.Join(dir, id.String()))
	if err != nil {
		t.Fatalf("reading blob file: %v", err)
	}
	if bytes.Contains(raw, []byte(content)) {
		t.Error("blob file contains plaintext")
	}

	blob, size, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer blob.Close()
	if size >= 0 {
		t.Errorf("Get() size = %d, want unknown for encrypted store", size)
	}
	data, err := io.ReadAll(blob)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(data) != content {
		t.Errorf("blob = %q, want %q", data, content)
	}
}
