package httpgw_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"bnuystore/internal/blobnode"
	"bnuystore/internal/catalog"
	"bnuystore/internal/gateway/httpgw"
	"bnuystore/internal/namespace"
)

// nodeBlobs adapts a single in-process blob store to the client interface
// the orchestrator expects.
type nodeBlobs struct {
	store *blobnode.MemoryStore
}

func (n *nodeBlobs) Put(ctx context.Context, _ int64, id uuid.UUID, r io.Reader, size int64) error {
	return n.store.Put(ctx, id, r, size)
}

func (n *nodeBlobs) Get(ctx context.Context, _ int64, id uuid.UUID) (io.ReadCloser, int64, error) {
	return n.store.Get(ctx, id)
}

func (n *nodeBlobs) Delete(ctx context.Context, _ int64, id uuid.UUID) error {
	return n.store.Delete(ctx, id)
}

type fixedPlacer struct{ nodeID int64 }

func (p fixedPlacer) PickNode(context.Context) (int64, error) { return p.nodeID, nil }

func newTestServer(t *testing.T) *httptest.Server {
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
	node, err := cat.EnsureNode(context.Background(), "a")
	if err != nil {
		t.Fatalf("EnsureNode() error = %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	svc := namespace.New(cat, &nodeBlobs{store: blobnode.NewMemoryStore()}, fixedPlacer{node.ID}, logger)
	srv := httptest.NewServer(httpgw.New(svc, logger, "0.3.0"))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestVersion(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/version", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["version"] != "0.3.0" {
		t.Errorf("version = %q", body["version"])
	}
}

func TestFileLifecycle(t *testing.T) {
	srv := newTestServer(t)
	content := "uploaded over http"

	resp := do(t, http.MethodPost, srv.URL+"/file/notes.txt", strings.NewReader(content))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/file/notes.txt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(data) != content {
		t.Errorf("body = %q, want %q", data, content)
	}
	if got := resp.Header.Get("Content-Length"); got != "18" {
		t.Errorf("Content-Length = %q, want 18", got)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/file/notes.txt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/file/notes.txt", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("download after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestUpload_Conflict(t *testing.T) {
	srv := newTestServer(t)

	if resp := do(t, http.MethodPost, srv.URL+"/file/f.txt", strings.NewReader("a")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/file/f.txt", strings.NewReader("b")); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate upload status = %d, want 409", resp.StatusCode)
	}
}

func TestUpload_MissingDirectory(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/file/nope/f.txt", strings.NewReader("x"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDirectoryLifecycle(t *testing.T) {
	srv := newTestServer(t)

	if resp := do(t, http.MethodPost, srv.URL+"/dir/docs", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("mkdir status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/file/docs/f.txt", strings.NewReader("x")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	resp := do(t, http.MethodGet, srv.URL+"/dir/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var listing struct {
		Directories []string `json:"directories"`
		Files       []string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decoding listing: %v", err)
	}
	if len(listing.Directories) != 1 || listing.Directories[0] != "docs" {
		t.Errorf("directories = %v, want [docs]", listing.Directories)
	}
	if len(listing.Files) != 0 {
		t.Errorf("files = %v, want none at the root", listing.Files)
	}

	// Not empty yet.
	if resp := do(t, http.MethodDelete, srv.URL+"/dir/docs", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("rmdir of non-empty status = %d, want 409", resp.StatusCode)
	}

	if resp := do(t, http.MethodDelete, srv.URL+"/file/docs/f.txt", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete file status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/dir/docs", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("rmdir status = %d", resp.StatusCode)
	}
}

func TestRmdirRoot(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodDelete, srv.URL+"/dir/", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("rmdir of root status = %d, want 409", resp.StatusCode)
	}
}

func TestMove(t *testing.T) {
	srv := newTestServer(t)

	if resp := do(t, http.MethodPost, srv.URL+"/dir/archive", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("mkdir status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/file/old.txt", strings.NewReader("payload")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	resp := do(t, http.MethodPost, srv.URL+"/move/old.txt", strings.NewReader(`{"to": "/archive/new.txt"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move status = %d", resp.StatusCode)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/file/old.txt", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("old path status = %d, want 404", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, srv.URL+"/file/archive/new.txt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("new path status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "payload" {
		t.Errorf("moved file body = %q", data)
	}

	resp = do(t, http.MethodPost, srv.URL+"/move/archive/new.txt", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("move without 'to' status = %d, want 400", resp.StatusCode)
	}
}
