// Package storageclient talks the framed blob protocol to storage nodes.
// Every operation dials its own connection, performs one request/response
// exchange, and hangs up. Payloads stream straight between the caller and
// the socket; nothing in this package buffers a blob.
package storageclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"bnuystore/internal/config"
	"bnuystore/internal/registry"
	"bnuystore/internal/wire"
)

const (
	defaultDialTimeout    = 2 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultMaxAttempts    = 3
)

// Client issues blob operations against storage nodes addressed by their
// catalog node id. Safe for concurrent use.
type Client struct {
	registry *registry.Registry
	logger   *slog.Logger

	dialTimeout    time.Duration
	requestTimeout time.Duration
	maxAttempts    int

	mu    sync.RWMutex
	addrs map[string]string
}

// New builds a client from the tuning knobs in cfg. Zero-valued knobs use
// package defaults. Call SetAddrs before issuing operations.
func New(reg *registry.Registry, cfg config.ClientConfig, logger *slog.Logger) *Client {
	c := &Client{
		registry:       reg,
		logger:         logger,
		dialTimeout:    defaultDialTimeout,
		requestTimeout: defaultRequestTimeout,
		maxAttempts:    defaultMaxAttempts,
		addrs:          map[string]string{},
	}
	if cfg.DialTimeoutMS > 0 {
		c.dialTimeout = time.Duration(cfg.DialTimeoutMS) * time.Millisecond
	}
	if cfg.RequestTimeoutMS > 0 {
		c.requestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	}
	if cfg.MaxAttempts > 0 {
		c.maxAttempts = cfg.MaxAttempts
	}
	return c
}

// SetAddrs replaces the node name to address mapping. Called at startup and
// again whenever the configuration is reloaded.
func (c *Client) SetAddrs(nodes map[string]config.StorageNodeConfig) {
	addrs := make(map[string]string, len(nodes))
	for name, node := range nodes {
		addrs[name] = node.Addr
	}
	c.mu.Lock()
	c.addrs = addrs
	c.mu.Unlock()
}

func (c *Client) addrFor(nodeID int64) (name, addr string, err error) {
	name, ok := c.registry.NameForID(nodeID)
	if !ok {
		return "", "", fmt.Errorf("node id %d is not registered", nodeID)
	}
	c.mu.RLock()
	addr, ok = c.addrs[name]
	c.mu.RUnlock()
	if !ok {
		return name, "", &Error{Kind: Unreachable, Node: name, Err: errors.New("no address configured")}
	}
	return name, addr, nil
}

func (c *Client) dialOnce(ctx context.Context, nodeID int64) (*net.TCPConn, string, error) {
	name, addr, err := c.addrFor(nodeID)
	if err != nil {
		return nil, name, err
	}
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, name, &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("dialing %s: %w", addr, err)}
	}
	return conn.(*net.TCPConn), name, nil
}

// dialRetry dials with bounded exponential backoff. Only the dial is
// retried: once any request bytes have gone out, a failure surfaces to the
// caller instead.
func (c *Client) dialRetry(ctx context.Context, nodeID int64) (*net.TCPConn, string, error) {
	var (
		conn *net.TCPConn
		name string
	)
	op := func() error {
		var err error
		conn, name, err = c.dialOnce(ctx, nodeID)
		if err != nil && !IsUnreachable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("storage node dial failed, retrying",
			"node_id", nodeID, "backoff", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, name, err
	}
	return conn, name, nil
}

// Probe checks that the node answers the protocol and returns its reported
// version. A single dial attempt, no retries: callers probe to learn the
// node's state right now.
func (c *Client) Probe(ctx context.Context, nodeID int64) (string, error) {
	conn, name, err := c.dialOnce(ctx, nodeID)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetDeadline(time.Now().Add(c.requestTimeout))
	if err := wire.WriteRequest(conn, wire.Request{Op: wire.OpVersion}, 0); err != nil {
		return "", &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("sending version request: %w", err)}
	}
	resp, _, err := wire.ReadResponse(conn)
	if err != nil {
		return "", &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("reading version response: %w", err)}
	}
	if !resp.OK {
		return "", &Error{Kind: Rejected, Node: name, Err: errors.New(resp.Error)}
	}
	return resp.Version, nil
}

// Put streams r to the node as the blob named by id. size is the payload
// length when known, or a negative value to stream until EOF. The caller's
// reader may already be partially consumed after a failure, so Put never
// retries past the dial.
func (c *Client) Put(ctx context.Context, nodeID int64, id uuid.UUID, r io.Reader, size int64) error {
	conn, name, err := c.dialRetry(ctx, nodeID)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if size < 0 {
		size = wire.UnknownLen
	}
	conn.SetWriteDeadline(time.Now().Add(c.requestTimeout))
	if err := wire.WriteRequest(conn, wire.Request{Op: wire.OpPut, UUID: id.String()}, size); err != nil {
		return &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("sending put request: %w", err)}
	}

	// The payload can be arbitrarily large, so it gets no deadline.
	// Cancellation still cuts it short: the AfterFunc above closes the
	// connection out from under the copy.
	conn.SetWriteDeadline(time.Time{})
	if _, err := io.Copy(conn, r); err != nil {
		return &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("streaming payload: %w", err)}
	}
	if err := conn.CloseWrite(); err != nil {
		return &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("closing write side: %w", err)}
	}

	conn.SetReadDeadline(time.Now().Add(c.requestTimeout))
	resp, _, err := wire.ReadResponse(conn)
	if err != nil {
		return &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("reading put response: %w", err)}
	}
	if !resp.OK {
		return &Error{Kind: Rejected, Node: name, Err: errors.New(resp.Error)}
	}
	return nil
}

// Get opens a stream over the blob named by id. The returned size is the
// blob length when the node knows it, or a negative value when the stream
// runs to EOF. The caller owns the ReadCloser and must close it.
func (c *Client) Get(ctx context.Context, nodeID int64, id uuid.UUID) (io.ReadCloser, int64, error) {
	conn, name, err := c.dialRetry(ctx, nodeID)
	if err != nil {
		return nil, 0, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	fail := func(err error) (io.ReadCloser, int64, error) {
		stop()
		conn.Close()
		return nil, 0, err
	}

	conn.SetDeadline(time.Now().Add(c.requestTimeout))
	if err := wire.WriteRequest(conn, wire.Request{Op: wire.OpGet, UUID: id.String()}, 0); err != nil {
		return fail(&Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("sending get request: %w", err)})
	}
	if err := conn.CloseWrite(); err != nil {
		return fail(&Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("closing write side: %w", err)})
	}
	resp, size, err := wire.ReadResponse(conn)
	if err != nil {
		return fail(&Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("reading get response: %w", err)})
	}
	if !resp.OK {
		return fail(&Error{Kind: Rejected, Node: name, Err: errors.New(resp.Error)})
	}

	conn.SetDeadline(time.Time{})
	var body io.Reader = conn
	if size >= 0 {
		body = io.LimitReader(conn, size)
	}
	return &blobStream{Reader: body, conn: conn, stop: stop}, size, nil
}

// Delete removes the blob named by id from the node. Deleting a blob
// the node does not hold comes back Rejected; only the dial is retried,
// so a single call never reaches the node twice.
func (c *Client) Delete(ctx context.Context, nodeID int64, id uuid.UUID) error {
	conn, name, err := c.dialRetry(ctx, nodeID)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetDeadline(time.Now().Add(c.requestTimeout))
	if err := wire.WriteRequest(conn, wire.Request{Op: wire.OpDelete, UUID: id.String()}, 0); err != nil {
		return &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("sending delete request: %w", err)}
	}
	resp, _, err := wire.ReadResponse(conn)
	if err != nil {
		return &Error{Kind: Unreachable, Node: name, Err: fmt.Errorf("reading delete response: %w", err)}
	}
	if !resp.OK {
		return &Error{Kind: Rejected, Node: name, Err: errors.New(resp.Error)}
	}
	return nil
}

type blobStream struct {
	io.Reader
	conn *net.TCPConn
	stop func() bool
}

func (b *blobStream) Close() error {
	b.stop()
	return b.conn.Close()
}
