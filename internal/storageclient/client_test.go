package storageclient_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/google/uuid"

	"bnuystore/internal/blobnode"
	"bnuystore/internal/catalog"
	"bnuystore/internal/config"
	"bnuystore/internal/registry"
	"bnuystore/internal/storageclient"
)

type testNode struct {
	client *storageclient.Client
	nodeID int64
	store  *blobnode.MemoryStore
}

// newTestNode wires a client to a real protocol server on a loopback port,
// registered in a fresh catalog under the name "a".
func newTestNode(t *testing.T) *testNode {
	t.Helper()

	cat, err := catalog.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	if err := cat.MigrateUp(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := cat.Init(context.Background()); err != nil {
		t.Fatalf("failed to init root: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(cat, logger)
	if err := reg.Sync(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	nodeID, ok := reg.IDForName("a")
	if !ok {
		t.Fatal("node a not registered")
	}

	store := blobnode.NewMemoryStore()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		blobnode.NewServer(store, logger, "0.3.0").Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := storageclient.New(reg, config.ClientConfig{MaxAttempts: 1}, logger)
	client.SetAddrs(map[string]config.StorageNodeConfig{
		"a": {Addr: ln.Addr().String()},
	})
	return &testNode{client: client, nodeID: nodeID, store: store}
}

func TestClient_PutGetDelete(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	id := uuid.New()
	content := "round trip through the client"

	if err := n.client.Put(ctx, n.nodeID, id, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	blob, size, err := n.client.Get(ctx, n.nodeID, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	data, err := io.ReadAll(blob)
	blob.Close()
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(data) != content {
		t.Errorf("blob = %q, want %q", data, content)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}

	if err := n.client.Delete(ctx, n.nodeID, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := n.client.Get(ctx, n.nodeID, id); !storageclient.IsRejected(err) {
		t.Errorf("Get() after delete error = %v, want rejection", err)
	}
}

func TestClient_PutUnknownSize(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	id := uuid.New()

	if err := n.client.Put(ctx, n.nodeID, id, strings.NewReader("no length up front"), -1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	blob, _, err := n.client.Get(ctx, n.nodeID, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer blob.Close()
	data, err := io.ReadAll(blob)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(data) != "no length up front" {
		t.Errorf("blob = %q", data)
	}
}

func TestClient_Probe(t *testing.T) {
	n := newTestNode(t)

	version, err := n.client.Probe(context.Background(), n.nodeID)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if version != "0.3.0" {
		t.Errorf("Probe() = %q, want %q", version, "0.3.0")
	}
}

func TestClient_UnreachableNode(t *testing.T) {
	n := newTestNode(t)

	// A port something listened on a moment ago refuses connections now.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()
	n.client.SetAddrs(map[string]config.StorageNodeConfig{
		"a": {Addr: deadAddr},
	})

	if _, err := n.client.Probe(context.Background(), n.nodeID); !storageclient.IsUnreachable(err) {
		t.Errorf("Probe() error = %v, want unreachable", err)
	}
	err = n.client.Put(context.Background(), n.nodeID, uuid.New(), strings.NewReader("x"), 1)
	if !storageclient.IsUnreachable(err) {
		t.Errorf("Put() error = %v, want unreachable", err)
	}
}

func TestClient_DeleteMissingIsRejected(t *testing.T) {
	n := newTestNode(t)

	err := n.client.Delete(context.Background(), n.nodeID, uuid.New())
	if !storageclient.IsRejected(err) {
		t.Errorf("Delete() error = %v, want rejection", err)
	}
	if storageclient.IsUnreachable(err) {
		t.Error("rejection classified as unreachable")
	}
}
