// Package placement decides which storage node receives a new upload.
// Writes rotate across the configured nodes in ascending id order, skipping
// nodes that fail a reachability probe. Probe results are cached briefly so
// a burst of uploads does not turn into a burst of probes.
package placement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bnuystore/internal/config"
	"bnuystore/internal/registry"
)

// ErrNoNodesAvailable means no storage nodes are configured at all.
var ErrNoNodesAvailable = errors.New("no storage nodes available")

const defaultProbeTTL = 3 * time.Second

// Prober checks whether a storage node answers the blob protocol.
// Satisfied by the storage client.
type Prober interface {
	Probe(ctx context.Context, nodeID int64) (string, error)
}

// Policy is the upload placement policy. Safe for concurrent use. Probes
// run outside the lock, so concurrent picks with a cold cache may probe
// the same node more than once.
type Policy struct {
	registry *registry.Registry
	prober   Prober
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	last  int64
	cache map[int64]probeEntry
}

type probeEntry struct {
	reachable bool
	at        time.Time
}

// New builds a policy probing through prober. A zero ProbeTTLMS uses the
// package default.
func New(reg *registry.Registry, prober Prober, cfg config.PlacementConfig, logger *slog.Logger) *Policy {
	ttl := defaultProbeTTL
	if cfg.ProbeTTLMS > 0 {
		ttl = time.Duration(cfg.ProbeTTLMS) * time.Millisecond
	}
	return &Policy{
		registry: reg,
		prober:   prober,
		logger:   logger,
		ttl:      ttl,
		now:      time.Now,
		cache:    map[int64]probeEntry{},
	}
}

// PickNode returns the node id the next upload should land on: the next
// reachable node after the previous pick, in ascending id rotation. When
// every probe fails the rotation continues anyway and the pick is
// best-effort; the upload itself will surface the real failure.
func (p *Policy) PickNode(ctx context.Context) (int64, error) {
	ids := p.registry.ConfiguredIDs()
	if len(ids) == 0 {
		return 0, ErrNoNodesAvailable
	}

	p.mu.Lock()
	start := 0
	for i, id := range ids {
		if id > p.last {
			start = i
			break
		}
	}
	p.mu.Unlock()

	for i := range ids {
		id := ids[(start+i)%len(ids)]
		if p.reachable(ctx, id) {
			p.setLast(id)
			return id, nil
		}
	}

	id := ids[start]
	p.setLast(id)
	p.logger.Warn("no storage node passed its probe, placing best-effort", "node_id", id)
	return id, nil
}

func (p *Policy) setLast(id int64) {
	p.mu.Lock()
	p.last = id
	p.mu.Unlock()
}

// reachable consults the cache and probes on a miss. The lock covers only
// the cache lookup and the result write, never the probe itself, so one
// unresponsive node cannot stall every concurrent pick.
func (p *Policy) reachable(ctx context.Context, id int64) bool {
	p.mu.Lock()
	entry, ok := p.cache[id]
	p.mu.Unlock()
	if ok && p.now().Sub(entry.at) < p.ttl {
		return entry.reachable
	}

	_, err := p.prober.Probe(ctx, id)
	if err != nil {
		p.logger.Warn("storage node probe failed", "node_id", id, "error", err)
	}

	p.mu.Lock()
	p.cache[id] = probeEntry{reachable: err == nil, at: p.now()}
	p.mu.Unlock()
	return err == nil
}
