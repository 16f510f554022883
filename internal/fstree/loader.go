package fstree

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bitboxsync/bitbox/internal/protocol"
)

// Loader is an in-progress inbound file transfer. It owns a sidecar
// temp file adjacent to the target path; the target only appears once
// the transfer completes and the digest verifies.
type Loader struct {
	tree       *Tree
	path       string
	descriptor protocol.FileDescriptor
	sidecar    string
	modify     bool
	deadline   time.Time

	mu       sync.Mutex
	file     *os.File
	received int64
	settled  bool
}

// Path returns the target path this loader materializes.
func (l *Loader) Path() string {
	return l.path
}

// Descriptor returns the descriptor of the incoming content.
func (l *Loader) Descriptor() protocol.FileDescriptor {
	return l.descriptor
}

// SetDeadline arms the deadline after which SweepExpiredLoaders cancels
// this loader.
func (l *Loader) SetDeadline(deadline time.Time) {
	l.tree.mu.Lock()
	l.deadline = deadline
	l.tree.mu.Unlock()
}

// BytesReceived returns the number of bytes written so far.
func (l *Loader) BytesReceived() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.received
}

// WriteBlock writes a chunk at the given offset in the sidecar.
func (l *Loader) WriteBlock(offset int64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.settled {
		return &Error{Code: ErrCodeFileMissing, Message: fmt.Sprintf("loader already settled: %s", l.path)}
	}

	if offset < 0 || offset+int64(len(data)) > l.descriptor.FileSize {
		return &Error{Code: ErrCodeDigestMismatch, Message: fmt.Sprintf("block out of bounds: %s", l.path)}
	}

	if _, err := l.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}

	l.received += int64(len(data))

	return nil
}

// Complete verifies the received content against the descriptor and
// renames the sidecar into place. On digest mismatch the sidecar is
// discarded and an error returned; the transfer can be re-requested.
func (l *Loader) Complete() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.settled {
		return &Error{Code: ErrCodeFileMissing, Message: fmt.Sprintf("loader already settled: %s", l.path)}
	}

	if err := l.file.Sync(); err != nil {
		l.discardLocked()
		return fmt.Errorf("flushing sidecar: %w", err)
	}

	digest, err := hashSidecar(l.file)
	if err != nil {
		l.discardLocked()
		return fmt.Errorf("hashing received content: %w", err)
	}

	if digest != l.descriptor.MD5 {
		l.discardLocked()
		return &Error{
			Code:    ErrCodeDigestMismatch,
			Message: fmt.Sprintf("received content does not match descriptor: %s", l.path),
		}
	}

	if err := l.file.Close(); err != nil {
		l.discardLocked()
		return fmt.Errorf("closing sidecar: %w", err)
	}

	if err := os.Rename(l.sidecar, l.tree.absPath(l.path)); err != nil {
		l.discardLocked()
		return fmt.Errorf("installing file: %w", err)
	}

	l.settled = true

	l.tree.mu.Lock()
	delete(l.tree.loaders, l.path)
	l.tree.mu.Unlock()

	l.tree.installEntry(l.path, l.descriptor)

	return nil
}

// Cancel discards the sidecar and releases the loader slot. Cancelling
// a settled loader is a no-op, so it is safe to call unconditionally.
func (l *Loader) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.settled {
		return
	}

	l.discardLocked()
}

func (l *Loader) discardLocked() {
	l.settled = true
	l.file.Close()
	os.Remove(l.sidecar)

	l.tree.mu.Lock()
	delete(l.tree.loaders, l.path)
	l.tree.mu.Unlock()
}

func hashSidecar(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
