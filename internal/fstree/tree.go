// Package fstree maintains an indexed, content-addressed view of the
// watched share directory. It owns all mutations: file loaders for
// inbound transfers, shortcut copies, deletes, and directory changes.
package fstree

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitboxsync/bitbox/internal/protocol"
)

type fileEntry struct {
	descriptor protocol.FileDescriptor

	// size and mtime are the on-disk values the digest was computed
	// against, used to decide when a rehash is needed.
	size  int64
	mtime int64
}

// Tree is the in-memory index of the share directory.
//
// A global mutex guards the index maps; per-path mutexes serialize
// mutations of individual paths so operations on unrelated paths never
// block each other.
type Tree struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	files   map[string]fileEntry
	dirs    map[string]struct{}
	loaders map[string]*Loader
	locks   map[string]*sync.Mutex
}

// New creates a Tree rooted at dir and builds the initial index,
// hashing every file once.
func New(dir string, logger *slog.Logger) (*Tree, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving share path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("accessing share path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("share path is not a directory: %s", abs)
	}

	t := &Tree{
		root:    abs,
		logger:  logger,
		files:   make(map[string]fileEntry),
		dirs:    make(map[string]struct{}),
		loaders: make(map[string]*Loader),
		locks:   make(map[string]*sync.Mutex),
	}

	if err := t.Refresh(); err != nil {
		return nil, fmt.Errorf("building share index: %w", err)
	}

	return t, nil
}

// Root returns the absolute path of the share directory.
func (t *Tree) Root() string {
	return t.root
}

// Refresh re-walks the share directory, rehashing only files whose size
// or mtime changed since the last walk. Hidden dotfiles (including
// loader sidecars) are not part of the share.
func (t *Tree) Refresh() error {
	t.mu.Lock()
	prev := t.files
	t.mu.Unlock()

	files := make(map[string]fileEntry, len(prev))
	dirs := make(map[string]struct{})

	err := filepath.WalkDir(t.root, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(t.root, absPath)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		base := filepath.Base(absPath)
		if strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are not synchronized; following them could escape
		// the share root.
		if d.Type()&os.ModeSymlink != 0 {
			t.logger.Debug("skipping symlink", slog.String("path", relPath))
			return nil
		}

		relPath = NormalizePath(relPath)

		if d.IsDir() {
			dirs[relPath] = struct{}{}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			t.logger.Warn("stat failed during walk",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
			return nil
		}

		mtime := info.ModTime().Unix()
		size := info.Size()

		if entry, ok := prev[relPath]; ok && entry.mtime == mtime && entry.size == size {
			files[relPath] = entry
			return nil
		}

		digest, err := hashFile(absPath)
		if err != nil {
			t.logger.Warn("hashing file",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
			return nil
		}

		files[relPath] = fileEntry{
			descriptor: protocol.FileDescriptor{
				MD5:          digest,
				LastModified: mtime,
				FileSize:     size,
			},
			size:  size,
			mtime: mtime,
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("walking share directory: %w", err)
	}

	t.mu.Lock()
	t.files = files
	t.dirs = dirs
	t.mu.Unlock()

	return nil
}

// Snapshot returns copies of the current file and directory indexes.
func (t *Tree) Snapshot() (map[string]protocol.FileDescriptor, map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	files := make(map[string]protocol.FileDescriptor, len(t.files))
	for path, entry := range t.files {
		files[path] = entry.descriptor
	}

	dirs := make(map[string]struct{}, len(t.dirs))
	for path := range t.dirs {
		dirs[path] = struct{}{}
	}

	return files, dirs
}

// Descriptor returns the indexed descriptor for a path.
func (t *Tree) Descriptor(relPath string) (protocol.FileDescriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.files[NormalizePath(relPath)]

	return entry.descriptor, ok
}

// HasDirectory reports whether a directory exists in the index.
func (t *Tree) HasDirectory(relPath string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.dirs[NormalizePath(relPath)]

	return ok
}

// lockFor returns the mutex serializing mutations of one path.
func (t *Tree) lockFor(relPath string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[relPath]
	if !ok {
		l = &sync.Mutex{}
		t.locks[relPath] = l
	}

	return l
}

func (t *Tree) absPath(relPath string) string {
	return filepath.Join(t.root, filepath.FromSlash(relPath))
}

// parentExists reports whether the parent of relPath is the share root
// or an indexed directory.
func (t *Tree) parentExists(relPath string) bool {
	parent := filepath.ToSlash(filepath.Dir(filepath.FromSlash(relPath)))
	if parent == "." {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.dirs[parent]

	return ok
}

// CreateFileLoader reserves a loader for a path that does not exist yet.
// The loader holds a sidecar file adjacent to the target until it is
// completed or cancelled.
func (t *Tree) CreateFileLoader(relPath string, desc protocol.FileDescriptor) (*Loader, error) {
	if err := validatePath(relPath); err != nil {
		return nil, err
	}
	relPath = NormalizePath(relPath)

	lock := t.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	_, isDir := t.dirs[relPath]
	_, loading := t.loaders[relPath]
	_, exists := t.files[relPath]
	t.mu.Unlock()

	if isDir {
		return nil, &Error{Code: ErrCodePathInUse, Message: fmt.Sprintf("pathname already in use: %s", relPath)}
	}
	if loading || exists {
		return nil, &Error{Code: ErrCodeFileExists, Message: fmt.Sprintf("file already exists: %s", relPath)}
	}
	if !t.parentExists(relPath) {
		return nil, &Error{Code: ErrCodeParentMissing, Message: fmt.Sprintf("parent directory does not exist: %s", relPath)}
	}

	return t.newLoader(relPath, desc, false)
}

// ModifyFileLoader reserves a loader replacing an existing file. It is
// allocated only when the incoming digest differs and the incoming
// lastModified is not older than the current entry.
func (t *Tree) ModifyFileLoader(relPath string, desc protocol.FileDescriptor) (*Loader, error) {
	if err := validatePath(relPath); err != nil {
		return nil, err
	}
	relPath = NormalizePath(relPath)

	lock := t.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	entry, exists := t.files[relPath]
	_, loading := t.loaders[relPath]
	t.mu.Unlock()

	if loading {
		return nil, &Error{Code: ErrCodeFileMissing, Message: fmt.Sprintf("file is still being transferred: %s", relPath)}
	}
	if !exists {
		return nil, &Error{Code: ErrCodeFileMissing, Message: fmt.Sprintf("file does not exist: %s", relPath)}
	}
	if entry.descriptor.Equal(desc) {
		return nil, &Error{Code: ErrCodeFileExists, Message: fmt.Sprintf("file already exists with matching content: %s", relPath)}
	}
	if desc.LastModified < entry.descriptor.LastModified {
		return nil, &Error{Code: ErrCodeFileExists, Message: fmt.Sprintf("newer file already exists: %s", relPath)}
	}

	return t.newLoader(relPath, desc, true)
}

func (t *Tree) newLoader(relPath string, desc protocol.FileDescriptor, modify bool) (*Loader, error) {
	abs := t.absPath(relPath)
	dir := filepath.Dir(abs)

	sidecar, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".bitbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating loader sidecar: %w", err)
	}

	loader := &Loader{
		tree:       t,
		path:       relPath,
		descriptor: desc,
		file:       sidecar,
		sidecar:    sidecar.Name(),
		modify:     modify,
	}

	t.mu.Lock()
	t.loaders[relPath] = loader
	t.mu.Unlock()

	t.logger.Debug("loader allocated",
		slog.String("path", relPath),
		slog.String("md5", desc.MD5),
		slog.Int64("size", desc.FileSize),
		slog.Bool("modify", modify),
	)

	return loader, nil
}

// CheckShortcut looks for local content matching the descriptor digest
// and, when found, copies it to relPath without a network transfer. The
// copy is verified against the descriptor digest before installation.
func (t *Tree) CheckShortcut(relPath string, desc protocol.FileDescriptor) (bool, error) {
	if err := validatePath(relPath); err != nil {
		return false, err
	}
	relPath = NormalizePath(relPath)

	lock := t.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	_, isDir := t.dirs[relPath]
	_, loading := t.loaders[relPath]
	var sources []string
	for path, entry := range t.files {
		if path != relPath && entry.descriptor.MD5 == desc.MD5 {
			sources = append(sources, path)
		}
	}
	t.mu.Unlock()

	if isDir {
		return false, &Error{Code: ErrCodePathInUse, Message: fmt.Sprintf("pathname already in use: %s", relPath)}
	}
	if loading {
		return false, &Error{Code: ErrCodeFileExists, Message: fmt.Sprintf("file already exists: %s", relPath)}
	}
	if len(sources) == 0 {
		return false, nil
	}
	if !t.parentExists(relPath) {
		return false, &Error{Code: ErrCodeParentMissing, Message: fmt.Sprintf("parent directory does not exist: %s", relPath)}
	}

	for _, source := range sources {
		if err := t.copyVerified(source, relPath, desc); err != nil {
			t.logger.Debug("shortcut candidate rejected",
				slog.String("source", source),
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		t.logger.Info("shortcut copy used",
			slog.String("source", source),
			slog.String("path", relPath),
		)

		return true, nil
	}

	return false, nil
}

// copyVerified copies source to relPath through a sidecar, verifying the
// copied bytes against the descriptor digest before the rename.
func (t *Tree) copyVerified(source, relPath string, desc protocol.FileDescriptor) error {
	data, err := os.ReadFile(t.absPath(source))
	if err != nil {
		return fmt.Errorf("reading shortcut source: %w", err)
	}

	sum := md5.Sum(data)
	if hex.EncodeToString(sum[:]) != desc.MD5 {
		return &Error{Code: ErrCodeDigestMismatch, Message: "shortcut source content has changed"}
	}

	abs := t.absPath(relPath)
	dir := filepath.Dir(abs)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".bitbox-*")
	if err != nil {
		return fmt.Errorf("creating shortcut sidecar: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing shortcut sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing shortcut sidecar: %w", err)
	}

	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("installing shortcut copy: %w", err)
	}

	t.installEntry(relPath, desc)

	return nil
}

// installEntry records a freshly materialized file in the index and
// aligns its mtime with the descriptor so later scans agree with peers.
func (t *Tree) installEntry(relPath string, desc protocol.FileDescriptor) {
	abs := t.absPath(relPath)

	when := time.Unix(desc.LastModified, 0)
	if err := os.Chtimes(abs, when, when); err != nil {
		t.logger.Warn("setting file times",
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)
	}

	t.mu.Lock()
	t.files[relPath] = fileEntry{
		descriptor: desc,
		size:       desc.FileSize,
		mtime:      desc.LastModified,
	}
	t.mu.Unlock()
}

// DeleteFile removes a file from disk and from the index.
func (t *Tree) DeleteFile(relPath string) error {
	if err := validatePath(relPath); err != nil {
		return err
	}
	relPath = NormalizePath(relPath)

	lock := t.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	_, exists := t.files[relPath]
	t.mu.Unlock()

	if !exists {
		return &Error{Code: ErrCodeFileMissing, Message: fmt.Sprintf("file does not exist: %s", relPath)}
	}

	if err := os.Remove(t.absPath(relPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}

	t.mu.Lock()
	delete(t.files, relPath)
	t.mu.Unlock()

	return nil
}

// MakeDirectory creates a directory. Creating over any existing path,
// including an existing directory, fails with pathname-already-in-use.
func (t *Tree) MakeDirectory(relPath string) error {
	if err := validatePath(relPath); err != nil {
		return err
	}
	relPath = NormalizePath(relPath)

	lock := t.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	_, isDir := t.dirs[relPath]
	_, isFile := t.files[relPath]
	_, loading := t.loaders[relPath]
	t.mu.Unlock()

	if isDir || isFile || loading {
		return &Error{Code: ErrCodePathInUse, Message: fmt.Sprintf("pathname already exists: %s", relPath)}
	}
	if !t.parentExists(relPath) {
		return &Error{Code: ErrCodeParentMissing, Message: fmt.Sprintf("parent directory does not exist: %s", relPath)}
	}

	if err := os.Mkdir(t.absPath(relPath), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	t.mu.Lock()
	t.dirs[relPath] = struct{}{}
	t.mu.Unlock()

	return nil
}

// DeleteDirectory removes an empty directory.
func (t *Tree) DeleteDirectory(relPath string) error {
	if err := validatePath(relPath); err != nil {
		return err
	}
	relPath = NormalizePath(relPath)

	lock := t.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	_, isDir := t.dirs[relPath]
	t.mu.Unlock()

	if !isDir {
		return &Error{Code: ErrCodeFileMissing, Message: fmt.Sprintf("pathname does not exist: %s", relPath)}
	}

	entries, err := os.ReadDir(t.absPath(relPath))
	if err != nil {
		return fmt.Errorf("reading directory: %w", err)
	}
	if len(entries) > 0 {
		return &Error{Code: ErrCodeDirectoryNotEmpty, Message: fmt.Sprintf("directory is not empty: %s", relPath)}
	}

	if err := os.Remove(t.absPath(relPath)); err != nil {
		return fmt.Errorf("deleting directory: %w", err)
	}

	t.mu.Lock()
	delete(t.dirs, relPath)
	t.mu.Unlock()

	return nil
}

// ReadFileBlock reads a byte range from a stored file, verifying that
// its content still matches the descriptor digest first.
func (t *Tree) ReadFileBlock(relPath string, desc protocol.FileDescriptor, position, length int64) ([]byte, error) {
	if err := validatePath(relPath); err != nil {
		return nil, err
	}
	relPath = NormalizePath(relPath)

	lock := t.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	entry, exists := t.files[relPath]
	t.mu.Unlock()

	if !exists {
		return nil, &Error{Code: ErrCodeFileMissing, Message: fmt.Sprintf("file does not exist: %s", relPath)}
	}

	abs := t.absPath(relPath)

	// Revalidate against disk: the content may have changed since the
	// index was built.
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("checking file: %w", err)
	}

	current := entry.descriptor.MD5
	if info.Size() != entry.size || info.ModTime().Unix() != entry.mtime {
		current, err = hashFile(abs)
		if err != nil {
			return nil, fmt.Errorf("rehashing file: %w", err)
		}
	}

	if current != desc.MD5 {
		return nil, &Error{Code: ErrCodeDigestMismatch, Message: fmt.Sprintf("file content has changed: %s", relPath)}
	}

	if position < 0 || length < 0 || position+length > desc.FileSize {
		return nil, &Error{Code: ErrCodeDigestMismatch, Message: fmt.Sprintf("byte range out of bounds: %s", relPath)}
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(f, position, length), buf); err != nil {
		return nil, fmt.Errorf("reading byte range: %w", err)
	}

	return buf, nil
}

// SweepExpiredLoaders cancels loaders whose deadline has passed and
// returns their paths.
func (t *Tree) SweepExpiredLoaders(now time.Time) []string {
	t.mu.Lock()
	var expired []*Loader
	for _, loader := range t.loaders {
		if !loader.deadline.IsZero() && now.After(loader.deadline) {
			expired = append(expired, loader)
		}
	}
	t.mu.Unlock()

	paths := make([]string, 0, len(expired))
	for _, loader := range expired {
		paths = append(paths, loader.path)
		loader.Cancel()
		t.logger.Warn("loader deadline missed, cancelled", slog.String("path", loader.path))
	}

	return paths
}

// CancelAllLoaders cancels every active loader. Used during shutdown so
// no sidecar files are left behind.
func (t *Tree) CancelAllLoaders() {
	t.mu.Lock()
	loaders := make([]*Loader, 0, len(t.loaders))
	for _, loader := range t.loaders {
		loaders = append(loaders, loader)
	}
	t.mu.Unlock()

	for _, loader := range loaders {
		loader.Cancel()
	}
}

// LoaderCount returns the number of active loaders.
func (t *Tree) LoaderCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.loaders)
}

func hashFile(absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
