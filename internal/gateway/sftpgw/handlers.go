package sftpgw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"bnuystore/internal/catalog"
	"bnuystore/internal/namespace"
)

// handlers serves one authenticated session. base is the user's home
// directory id: every path in the session resolves from there, so "/" is
// the user's home and nothing above it is visible.
type handlers struct {
	ctx    context.Context
	svc    *namespace.Service
	logger *slog.Logger
	base   int64
}

func newHandlers(ctx context.Context, svc *namespace.Service, logger *slog.Logger, base int64) sftp.Handlers {
	h := &handlers{ctx: ctx, svc: svc, logger: logger, base: base}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

// translate maps internal errors onto the errors the sftp package knows
// how to encode as protocol status codes.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, catalog.ErrNotFound):
		return os.ErrNotExist
	case errors.Is(err, catalog.ErrNameConflict):
		return os.ErrExist
	case errors.Is(err, catalog.ErrRootDirectory):
		return sftp.ErrSSHFxPermissionDenied
	default:
		return sftp.ErrSSHFxFailure
	}
}

func (h *handlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	segs := namespace.SplitPath(r.Filepath)
	open := func() (io.ReadCloser, error) {
		blob, _, err := h.svc.Download(h.ctx, h.base, segs)
		return blob, err
	}
	blob, err := open()
	if err != nil {
		return nil, translate(err)
	}
	return &sequentialReader{rc: blob, reopen: open}, nil
}

func (h *handlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	flags := r.Pflags()
	segs := namespace.SplitPath(r.Filepath)

	if flags.Excl {
		if _, err := h.svc.ResolveFile(h.ctx, h.base, segs); err == nil {
			return nil, os.ErrExist
		} else if !errors.Is(err, catalog.ErrNotFound) {
			return nil, translate(err)
		}
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := h.svc.Upload(h.ctx, h.base, segs, pr, -1, !flags.Excl)
		// Unblock a writer still mid-Write before reporting through Close.
		pr.CloseWithError(err)
		done <- err
	}()
	return &sequentialWriter{pw: pw, done: done}, nil
}

func (h *handlers) Filecmd(r *sftp.Request) error {
	segs := namespace.SplitPath(r.Filepath)
	switch r.Method {
	case "Rename", "PosixRename":
		return translate(h.svc.Move(h.ctx, h.base, segs, namespace.SplitPath(r.Target)))
	case "Remove":
		return translate(h.svc.DeleteFile(h.ctx, h.base, segs))
	case "Mkdir":
		_, err := h.svc.MkDir(h.ctx, h.base, segs)
		return translate(err)
	case "Rmdir":
		return translate(h.svc.RmDir(h.ctx, h.base, segs))
	case "Setstat":
		// Attributes are synthetic; accept and ignore so clients that
		// chmod after upload do not fail.
		return nil
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (h *handlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	segs := namespace.SplitPath(r.Filepath)
	switch r.Method {
	case "List":
		dirs, files, err := h.svc.List(h.ctx, h.base, segs)
		if err != nil {
			return nil, translate(err)
		}
		entries := make([]os.FileInfo, 0, len(dirs)+len(files))
		for _, d := range dirs {
			entries = append(entries, entryInfo{name: d.Name, dir: true})
		}
		for _, f := range files {
			entries = append(entries, entryInfo{name: string(f.Name)})
		}
		return listerAt(entries), nil
	case "Stat", "Lstat":
		_, file, err := h.svc.Stat(h.ctx, h.base, segs)
		if err != nil {
			return nil, translate(err)
		}
		name := "/"
		if len(segs) > 0 {
			name = segs[len(segs)-1]
		}
		return listerAt{entryInfo{name: name, dir: file == nil}}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// entryInfo is the synthetic stat result for catalog entries. The catalog
// does not track sizes, times, or ownership, so everything reads as a
// wide-open zero-byte entry from the epoch.
type entryInfo struct {
	name string
	dir  bool
}

func (e entryInfo) Name() string { return e.name }
func (e entryInfo) Size() int64  { return 0 }
func (e entryInfo) Mode() fs.FileMode {
	if e.dir {
		return fs.ModeDir | 0777
	}
	return 0777
}
func (e entryInfo) ModTime() time.Time { return time.Unix(0, 0) }
func (e entryInfo) IsDir() bool        { return e.dir }
func (e entryInfo) Sys() any           { return nil }

type listerAt []os.FileInfo

func (l listerAt) ListAt(out []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(out, l[offset:])
	if n < len(out) {
		return n, io.EOF
	}
	return n, nil
}

// sequentialReader adapts the one-way blob stream to the random-access
// reads the protocol allows. Clients in practice read forward; a seek
// forward skips, a seek backward reopens the stream from the node.
type sequentialReader struct {
	mu     sync.Mutex
	rc     io.ReadCloser
	offset int64
	reopen func() (io.ReadCloser, error)
}

func (s *sequentialReader) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off < s.offset {
		if err := s.rc.Close(); err != nil {
			return 0, err
		}
		rc, err := s.reopen()
		if err != nil {
			return 0, translate(err)
		}
		s.rc = rc
		s.offset = 0
	}
	if off > s.offset {
		skipped, err := io.CopyN(io.Discard, s.rc, off-s.offset)
		s.offset += skipped
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, err
		}
	}

	n, err := io.ReadFull(s.rc, p)
	s.offset += int64(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func (s *sequentialReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rc.Close()
}

// sequentialWriter feeds an in-flight upload. The protocol frames writes
// with offsets but the blob stream is append-only, so out-of-order writes
// are refused. Close waits for the upload to land in the catalog, which is
// when the client learns whether the transfer really succeeded.
type sequentialWriter struct {
	mu     sync.Mutex
	pw     *io.PipeWriter
	offset int64
	done   chan error
}

func (s *sequentialWriter) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off != s.offset {
		return 0, fmt.Errorf("non-sequential write at offset %d, expected %d: %w", off, s.offset, sftp.ErrSSHFxOpUnsupported)
	}
	n, err := s.pw.Write(p)
	s.offset += int64(n)
	return n, err
}

func (s *sequentialWriter) Close() error {
	s.pw.Close()
	return translate(<-s.done)
}
