package blobnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"bnuystore/internal/wire"
)

const headerTimeout = 10 * time.Second

// Server exposes a Store over the framed blob protocol. Each accepted
// connection carries one request/response exchange.
type Server struct {
	store   Store
	logger  *slog.Logger
	version string
}

// NewServer wraps store in a protocol server reporting version to probes.
func NewServer(store Store, logger *slog.Logger, version string) *Server {
	return &Server{store: store, logger: logger, version: version}
}

// Serve accepts connections on ln until ctx is canceled, then closes the
// listener and waits for in-flight exchanges to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	req, payloadLen, err := wire.ReadRequest(conn)
	if err != nil {
		s.logger.Warn("dropping connection with bad request frame",
			"remote", conn.RemoteAddr(), "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	logger := s.logger.With("op", req.Op, "uuid", req.UUID, "remote", conn.RemoteAddr())

	switch req.Op {
	case wire.OpVersion:
		s.respond(logger, conn, wire.Response{OK: true, Version: s.version}, 0)
	case wire.OpPut:
		s.handlePut(ctx, logger, conn, req, payloadLen)
	case wire.OpGet:
		s.handleGet(ctx, logger, conn, req)
	case wire.OpDelete:
		s.handleDelete(ctx, logger, conn, req)
	default:
		s.respond(logger, conn, wire.Response{Error: fmt.Sprintf("unknown op %q", req.Op)}, 0)
	}
}

func (s *Server) handlePut(ctx context.Context, logger *slog.Logger, conn net.Conn, req wire.Request, payloadLen int64) {
	id, err := uuid.Parse(req.UUID)
	if err != nil {
		s.respond(logger, conn, wire.Response{Error: "malformed uuid"}, 0)
		return
	}

	var body io.Reader = conn
	if payloadLen >= 0 {
		body = io.LimitReader(conn, payloadLen)
	}
	if err := s.store.Put(ctx, id, body, payloadLen); err != nil {
		logger.Error("put failed", "error", err)
		s.respond(logger, conn, wire.Response{Error: err.Error()}, 0)
		return
	}
	logger.Info("blob stored")
	s.respond(logger, conn, wire.Response{OK: true}, 0)
}

func (s *Server) handleGet(ctx context.Context, logger *slog.Logger, conn net.Conn, req wire.Request) {
	id, err := uuid.Parse(req.UUID)
	if err != nil {
		s.respond(logger, conn, wire.Response{Error: "malformed uuid"}, 0)
		return
	}

	blob, size, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrBlobNotFound) {
			logger.Error("get failed", "error", err)
		}
		s.respond(logger, conn, wire.Response{Error: err.Error()}, 0)
		return
	}
	defer blob.Close()

	if size < 0 {
		size = wire.UnknownLen
	}
	if err := wire.WriteResponse(conn, wire.Response{OK: true}, size); err != nil {
		logger.Warn("writing get response failed", "error", err)
		return
	}
	if _, err := io.Copy(conn, blob); err != nil {
		logger.Warn("streaming blob failed", "error", err)
	}
}

func (s *Server) handleDelete(ctx context.Context, logger *slog.Logger, conn net.Conn, req wire.Request) {
	id, err := uuid.Parse(req.UUID)
	if err != nil {
		s.respond(logger, conn, wire.Response{Error: "malformed uuid"}, 0)
		return
	}

	if err := s.store.Delete(ctx, id); err != nil {
		if !errors.Is(err, ErrBlobNotFound) {
			logger.Error("delete failed", "error", err)
		}
		s.respond(logger, conn, wire.Response{Error: err.Error()}, 0)
		return
	}
	logger.Info("blob deleted")
	s.respond(logger, conn, wire.Response{OK: true}, 0)
}

func (s *Server) respond(logger *slog.Logger, conn net.Conn, resp wire.Response, payloadLen int64) {
	conn.SetWriteDeadline(time.Now().Add(headerTimeout))
	if err := wire.WriteResponse(conn, resp, payloadLen); err != nil {
		logger.Warn("writing response failed", "error", err)
	}
}
