package blobnode

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"github.com/google/uuid"
)

// DiskStore keeps each blob as one file named by its UUID inside a flat
// data directory. Writes land in a temp file and are renamed into place, so
// a blob file is either absent or complete. With an age recipient
// configured, blobs are encrypted before they hit disk.
type DiskStore struct {
	dataDir   string
	recipient age.Recipient
	identity  age.Identity

	mu   sync.Mutex
	busy map[uuid.UUID]chan struct{}
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore creates the data directory if needed. recipient and
// identity are both nil for a raw store, both non-nil for an encrypting
// one.
func NewDiskStore(dataDir string, recipient age.Recipient, identity age.Identity) (*DiskStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &DiskStore{
		dataDir:   dataDir,
		recipient: recipient,
		identity:  identity,
		busy:      map[uuid.UUID]chan struct{}{},
	}, nil
}

func (d *DiskStore) path(id uuid.UUID) string {
	return filepath.Join(d.dataDir, id.String())
}

// lock takes the per-UUID mutation lock. Two mutations of the same blob
// run one after the other; mutations of different blobs do not contend.
func (d *DiskStore) lock(id uuid.UUID) {
	for {
		d.mu.Lock()
		ch, held := d.busy[id]
		if !held {
			d.busy[id] = make(chan struct{})
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		<-ch
	}
}

func (d *DiskStore) unlock(id uuid.UUID) {
	d.mu.Lock()
	ch := d.busy[id]
	delete(d.busy, id)
	d.mu.Unlock()
	close(ch)
}

func (d *DiskStore) Put(_ context.Context, id uuid.UUID, r io.Reader, size int64) error {
	d.lock(id)
	defer d.unlock(id)

	tmp, err := os.CreateTemp(d.dataDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	var w io.Writer = tmp
	var enc io.WriteCloser
	if d.recipient != nil {
		enc, err = age.Encrypt(tmp, d.recipient)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("creating encrypted writer: %w", err)
		}
		w = enc
	}

	written, err := io.Copy(w, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing blob: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("finalizing encryption: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	if err := os.Rename(tmpPath, d.path(id)); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}

// Get opens the blob file directly. Writes replace the file atomically, so
// a reader always sees a complete blob and takes no lock.
func (d *DiskStore) Get(_ context.Context, id uuid.UUID) (io.ReadCloser, int64, error) {
	f, err := os.Open(d.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("opening blob: %w", err)
	}

	if d.identity == nil {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("stating blob: %w", err)
		}
		return f, info.Size(), nil
	}

	// The file holds ciphertext; the plaintext length is only known once
	// the stream has been decrypted, so the caller gets no size.
	dec, err := age.Decrypt(f, d.identity)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("creating decrypted reader: %w", err)
	}
	return &decryptedBlob{Reader: dec, file: f}, -1, nil
}

func (d *DiskStore) Delete(_ context.Context, id uuid.UUID) error {
	d.lock(id)
	defer d.unlock(id)

	if err := os.Remove(d.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

type decryptedBlob struct {
	io.Reader
	file *os.File
}

func (b *decryptedBlob) Close() error {
	return b.file.Close()
}
