// Package registry reconciles the configured storage node list with the
// catalog's nodes table. Registration is append-only: a node is inserted
// on first sight of its configured name and never removed, so file rows
// that reference it stay resolvable even after the node leaves the
// configuration (the file becomes unreachable, not invalid).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"bnuystore/internal/catalog"
)

// Registry holds the process-wide name/id cache. The cache is never the
// authority: it can be rebuilt from the catalog at any time via Sync, and
// no persisted invariant depends on it being warm.
type Registry struct {
	store  *catalog.Store
	logger *slog.Logger

	mu         sync.RWMutex
	byName     map[string]int64
	byID       map[int64]string
	configured []int64 // ids of nodes present in the current configuration
}

// New creates an empty registry. Call Sync before using the lookups.
func New(store *catalog.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		byName: make(map[string]int64),
		byID:   make(map[int64]string),
	}
}

// Sync registers every configured name that the catalog has not seen yet
// and rebuilds the lookup cache from the full nodes table. Safe to call
// repeatedly; an unchanged configuration produces no new rows and no row
// mutation. Runs at startup and on a configuration-reload signal.
func (r *Registry) Sync(ctx context.Context, configuredNames []string) error {
	for _, name := range configuredNames {
		node, err := r.store.EnsureNode(ctx, name)
		if err != nil {
			return fmt.Errorf("registering node %q: %w", name, err)
		}
		r.logger.Debug("node registered", "name", node.Name, "id", node.ID)
	}

	nodes, err := r.store.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("loading node table: %w", err)
	}

	configuredSet := make(map[string]bool, len(configuredNames))
	for _, name := range configuredNames {
		configuredSet[name] = true
	}

	byName := make(map[string]int64, len(nodes))
	byID := make(map[int64]string, len(nodes))
	var configured []int64
	for _, n := range nodes {
		byName[n.Name] = n.ID
		byID[n.ID] = n.Name
		if configuredSet[n.Name] {
			configured = append(configured, n.ID)
		}
	}
	sort.Slice(configured, func(i, j int) bool { return configured[i] < configured[j] })

	r.mu.Lock()
	r.byName = byName
	r.byID = byID
	r.configured = configured
	r.mu.Unlock()

	r.logger.Info("node registry synced", "registered", len(nodes), "configured", len(configured))
	return nil
}

// IDForName resolves a node name to its catalog id.
func (r *Registry) IDForName(name string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// NameForID resolves a node id to its name. Works for every node the
// catalog has ever seen, configured or not; used by error reporting and
// the storage client's address resolution.
func (r *Registry) NameForID(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[id]
	return name, ok
}

// ConfiguredIDs returns the ids of nodes present in the current
// configuration, ascending. Only these are eligible placement targets:
// a node known to the catalog but absent from configuration has no
// address to send bytes to.
func (r *Registry) ConfiguredIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, len(r.configured))
	copy(ids, r.configured)
	return ids
}
