package registry_test

import (
	"context"
	"log/slog"
	"testing"

	"bnuystore/internal/catalog"
	"bnuystore/internal/registry"
)

func newTestCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	if err := s.MigrateUp(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("failed to init root: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSync_Idempotent(t *testing.T) {
	store := newTestCatalog(t)
	reg := registry.New(store, slog.New(slog.DiscardHandler))
	ctx := context.Background()
	names := []string{"alpha", "beta"}

	if err := reg.Sync(ctx, names); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	alphaID, ok := reg.IDForName("alpha")
	if !ok {
		t.Fatal("alpha not registered")
	}

	// Re-syncing an unchanged configuration produces no new rows and no
	// row mutation.
	if err := reg.Sync(ctx, names); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}

	nodes, err := store.Nodes(ctx)
	if err != nil {
		t.Fatalf("Nodes() error = %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("len(Nodes()) = %d, want 2", len(nodes))
	}
	if id, _ := reg.IDForName("alpha"); id != alphaID {
		t.Errorf("alpha id changed across syncs: %d vs %d", id, alphaID)
	}
}

func TestSync_NodeRemovedFromConfigStaysResolvable(t *testing.T) {
	store := newTestCatalog(t)
	reg := registry.New(store, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	if err := reg.Sync(ctx, []string{"alpha", "beta"}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	betaID, _ := reg.IDForName("beta")

	// beta disappears from configuration: still in the catalog and still
	// resolvable, but no longer an eligible placement target.
	if err := reg.Sync(ctx, []string{"alpha"}); err != nil {
		t.Fatalf("Sync() after removal error = %v", err)
	}

	if name, ok := reg.NameForID(betaID); !ok || name != "beta" {
		t.Errorf("NameForID(%d) = %q, %v; want beta, true", betaID, name, ok)
	}
	for _, id := range reg.ConfiguredIDs() {
		if id == betaID {
			t.Error("removed node still listed as configured")
		}
	}
}

func TestConfiguredIDs_Ascending(t *testing.T) {
	store := newTestCatalog(t)
	reg := registry.New(store, slog.New(slog.DiscardHandler))

	if err := reg.Sync(context.Background(), []string{"zeta", "alpha", "mid"}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	ids := reg.ConfiguredIDs()
	if len(ids) != 3 {
		t.Fatalf("len(ConfiguredIDs()) = %d, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Errorf("ids not ascending: %v", ids)
		}
	}
}
