// Package namespace is the orchestrator between the catalog and the
// storage nodes. It resolves paths against the directory tree, places new
// files, and keeps the two-step operations (catalog row plus blob) ordered
// so a failure never leaves a catalog row pointing at bytes that were
// never stored.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"bnuystore/internal/catalog"
	"bnuystore/internal/storageclient"
)

// ErrSourceUnavailable means the catalog knows the file but the storage
// node holding its bytes cannot be reached right now.
var ErrSourceUnavailable = errors.New("storage node holding the file is unreachable")

// BlobClient is the slice of the storage client the orchestrator needs.
type BlobClient interface {
	Put(ctx context.Context, nodeID int64, id uuid.UUID, r io.Reader, size int64) error
	Get(ctx context.Context, nodeID int64, id uuid.UUID) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, nodeID int64, id uuid.UUID) error
}

// Placer picks the storage node for a new upload.
type Placer interface {
	PickNode(ctx context.Context) (int64, error)
}

// Service exposes the path-level file operations both gateways speak.
// Methods take a base directory id (the caller's root: a user's home for
// SFTP, the namespace root for HTTP) and path segments relative to it.
type Service struct {
	catalog *catalog.Store
	blobs   BlobClient
	placer  Placer
	logger  *slog.Logger
}

// New builds the orchestrator.
func New(cat *catalog.Store, blobs BlobClient, placer Placer, logger *slog.Logger) *Service {
	return &Service{catalog: cat, blobs: blobs, placer: placer, logger: logger}
}

// ResolveDir walks segments from base and returns the directory id at the
// end of the walk. A segment naming a file, or nothing, is ErrNotFound.
func (s *Service) ResolveDir(ctx context.Context, base int64, segments []string) (int64, error) {
	dirID := base
	for _, seg := range segments {
		child, err := s.catalog.ChildDirectory(ctx, dirID, seg)
		if err != nil {
			return 0, err
		}
		dirID = child.ID
	}
	return dirID, nil
}

// ResolveFile resolves segments to a file row. The last segment must name
// a file in the directory the rest of the path walks to.
func (s *Service) ResolveFile(ctx context.Context, base int64, segments []string) (*catalog.File, error) {
	if len(segments) == 0 {
		return nil, catalog.ErrNotFound
	}
	dirID, err := s.ResolveDir(ctx, base, segments[:len(segments)-1])
	if err != nil {
		return nil, err
	}
	return s.catalog.FileByName(ctx, dirID, []byte(segments[len(segments)-1]))
}

// Stat reports what a path names: the directory id when it is a
// directory, the file row when it is a file.
func (s *Service) Stat(ctx context.Context, base int64, segments []string) (dirID int64, file *catalog.File, err error) {
	if id, err := s.ResolveDir(ctx, base, segments); err == nil {
		return id, nil, nil
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return 0, nil, err
	}
	f, err := s.ResolveFile(ctx, base, segments)
	if err != nil {
		return 0, nil, err
	}
	return 0, f, nil
}

// List resolves a directory path and returns its children.
func (s *Service) List(ctx context.Context, base int64, segments []string) ([]catalog.Directory, []catalog.File, error) {
	dirID, err := s.ResolveDir(ctx, base, segments)
	if err != nil {
		return nil, nil, err
	}
	return s.catalog.ListDirectory(ctx, dirID)
}

// MkDir creates the directory named by the last segment inside the
// directory the rest of the path walks to.
func (s *Service) MkDir(ctx context.Context, base int64, segments []string) (int64, error) {
	if len(segments) == 0 {
		return 0, catalog.ErrNameConflict
	}
	parentID, err := s.ResolveDir(ctx, base, segments[:len(segments)-1])
	if err != nil {
		return 0, err
	}
	return s.catalog.CreateDirectory(ctx, parentID, segments[len(segments)-1])
}

// RmDir removes an empty directory. The root (and a user's home, when it
// is the base) cannot be removed because resolving an empty path to it
// yields ErrRootDirectory from the catalog or the directory still has
// children.
func (s *Service) RmDir(ctx context.Context, base int64, segments []string) error {
	dirID, err := s.ResolveDir(ctx, base, segments)
	if err != nil {
		return err
	}
	if dirID == base {
		return catalog.ErrRootDirectory
	}
	return s.catalog.DeleteDirectory(ctx, dirID)
}

// Upload stores r as the file named by the path. The bytes go to a
// storage node first; the catalog row is only written once the node has
// acknowledged them, so a half-failed upload is invisible. With overwrite
// set, an existing file under that name is deleted first.
func (s *Service) Upload(ctx context.Context, base int64, segments []string, r io.Reader, size int64, overwrite bool) error {
	if len(segments) == 0 {
		return catalog.ErrNameConflict
	}
	dirID, err := s.ResolveDir(ctx, base, segments[:len(segments)-1])
	if err != nil {
		return err
	}
	name := []byte(segments[len(segments)-1])

	if overwrite {
		if err := s.deleteFileRow(ctx, dirID, name); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
	} else {
		// Cheap pre-check so an obviously taken name fails before any
		// bytes move. The insert below still decides races.
		if _, err := s.catalog.FileByName(ctx, dirID, name); err == nil {
			return catalog.ErrNameConflict
		} else if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
	}

	nodeID, err := s.placer.PickNode(ctx)
	if err != nil {
		return err
	}

	id := uuid.New()
	if err := s.blobs.Put(ctx, nodeID, id, r, size); err != nil {
		// The node may hold partial bytes, or all of them if only the
		// acknowledgement was lost. Reclaim before reporting.
		if delErr := s.blobs.Delete(ctx, nodeID, id); delErr != nil {
			s.logger.Warn("failed to clean up after aborted upload",
				"uuid", id, "node_id", nodeID, "error", delErr)
		}
		return fmt.Errorf("storing file bytes: %w", err)
	}

	err = s.catalog.CreateFile(ctx, catalog.File{
		UUID:           id,
		Name:           name,
		DirectoryID:    dirID,
		StoredOnNodeID: nodeID,
	})
	if err != nil {
		// The bytes are already on the node but the name lost a race or
		// the directory vanished. Reclaim the orphan before reporting.
		if delErr := s.blobs.Delete(ctx, nodeID, id); delErr != nil {
			s.logger.Error("failed to reclaim orphaned blob",
				"uuid", id, "node_id", nodeID, "error", delErr)
		}
		return err
	}
	return nil
}

// Download opens the file's byte stream from the node holding it.
func (s *Service) Download(ctx context.Context, base int64, segments []string) (io.ReadCloser, int64, error) {
	f, err := s.ResolveFile(ctx, base, segments)
	if err != nil {
		return nil, 0, err
	}
	blob, size, err := s.blobs.Get(ctx, f.StoredOnNodeID, f.UUID)
	if err != nil {
		if storageclient.IsUnreachable(err) {
			return nil, 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, 0, err
	}
	return blob, size, nil
}

// Move renames a file, possibly across directories. The bytes stay where
// they are: only the catalog row changes. Directories cannot be moved.
func (s *Service) Move(ctx context.Context, base int64, src, dst []string) error {
	if len(dst) == 0 {
		return catalog.ErrNameConflict
	}
	f, err := s.ResolveFile(ctx, base, src)
	if err != nil {
		return err
	}
	dstDir, err := s.ResolveDir(ctx, base, dst[:len(dst)-1])
	if err != nil {
		return err
	}
	return s.catalog.MoveFile(ctx, f.UUID, dstDir, []byte(dst[len(dst)-1]))
}

// DeleteFile removes the file row and then the bytes on its node. The row
// goes first: once the catalog forgets the file it is gone for every
// client, and a blob the node failed to delete is an orphan to log, not an
// error to surface.
func (s *Service) DeleteFile(ctx context.Context, base int64, segments []string) error {
	f, err := s.ResolveFile(ctx, base, segments)
	if err != nil {
		return err
	}
	return s.deleteFile(ctx, f.UUID)
}

func (s *Service) deleteFileRow(ctx context.Context, dirID int64, name []byte) error {
	f, err := s.catalog.FileByName(ctx, dirID, name)
	if err != nil {
		return err
	}
	return s.deleteFile(ctx, f.UUID)
}

func (s *Service) deleteFile(ctx context.Context, id uuid.UUID) error {
	f, err := s.catalog.DeleteFile(ctx, id)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, f.StoredOnNodeID, f.UUID); err != nil {
		s.logger.Error("failed to delete blob after catalog delete",
			"uuid", f.UUID, "node_id", f.StoredOnNodeID, "error", err)
	}
	return nil
}
