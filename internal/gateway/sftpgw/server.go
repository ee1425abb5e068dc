// Package sftpgw is the SFTP face of the store. Sessions authenticate with
// an SSH public key against the users table, and each session is rooted at
// the user's home directory.
package sftpgw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"bnuystore/internal/catalog"
	"bnuystore/internal/config"
	"bnuystore/internal/namespace"
)

// DefaultBanner greets clients before authentication.
const DefaultBanner = "welcome to bnuystore!!\n"

const homeDirExtension = "home-directory-id"

// Server accepts SSH connections and serves the sftp subsystem on them.
type Server struct {
	svc    *namespace.Service
	users  *catalog.Store
	logger *slog.Logger
	sshCfg *ssh.ServerConfig
}

// NewServer builds the server. hostKey identifies this server to clients
// and must stay stable across restarts or clients will see a key change.
func NewServer(svc *namespace.Service, users *catalog.Store, hostKey ssh.Signer, banner string, logger *slog.Logger) *Server {
	if banner == "" {
		banner = DefaultBanner
	}
	s := &Server{svc: svc, users: users, logger: logger}

	s.sshCfg = &ssh.ServerConfig{
		PublicKeyCallback: s.authenticate,
		BannerCallback: func(ssh.ConnMetadata) string {
			return banner
		},
	}
	s.sshCfg.AddHostKey(hostKey)
	return s
}

// LoadHostKey reads and parses an SSH private key file.
func LoadHostKey(cfg config.SFTPConfig) (ssh.Signer, error) {
	data, err := os.ReadFile(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing host key: %w", err)
	}
	return signer, nil
}

// authenticate matches the offered key against the user's registered key.
// The home directory id rides along in the permissions so the session
// handler does not need a second lookup.
func (s *Server) authenticate(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	user, err := s.users.UserByName(context.Background(), conn.User())
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("unknown user %q", conn.User())
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	registered, _, _, _, err := ssh.ParseAuthorizedKey([]byte(user.SSHPubkey))
	if err != nil {
		return nil, fmt.Errorf("parsing registered key for %q: %w", conn.User(), err)
	}
	if key.Type() != registered.Type() || !bytes.Equal(key.Marshal(), registered.Marshal()) {
		return nil, fmt.Errorf("key mismatch for %q", conn.User())
	}

	return &ssh.Permissions{
		Extensions: map[string]string{
			homeDirExtension: strconv.FormatInt(user.HomeDirectory, 10),
		},
	}, nil
}

// Serve accepts connections on ln until ctx is canceled.
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

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.sshCfg)
	if err != nil {
		s.logger.Warn("ssh handshake failed", "remote", nc.RemoteAddr(), "error", err)
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	home, err := strconv.ParseInt(sconn.Permissions.Extensions[homeDirExtension], 10, 64)
	if err != nil {
		s.logger.Error("session has no home directory", "user", sconn.User(), "error", err)
		return
	}
	logger := s.logger.With("user", sconn.User(), "remote", nc.RemoteAddr())
	logger.Info("session opened")

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			logger.Warn("accepting channel failed", "error", err)
			continue
		}
		go s.serveChannel(ctx, logger, channel, requests, home)
	}
	logger.Info("session closed")
}

func (s *Server) serveChannel(ctx context.Context, logger *slog.Logger, channel ssh.Channel, requests <-chan *ssh.Request, home int64) {
	defer channel.Close()
	for req := range requests {
		// A subsystem request names its subsystem in a length-prefixed
		// string; anything but "sftp" is refused.
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		req.Reply(ok, nil)
		if !ok {
			continue
		}

		rs := sftp.NewRequestServer(channel, newHandlers(ctx, s.svc, logger, home))
		if err := rs.Serve(); err != nil && !errors.Is(err, io.EOF) {
			logger.Warn("sftp session ended with error", "error", err)
		}
		rs.Close()
		return
	}
}
