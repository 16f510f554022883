package fstree

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitboxsync/bitbox/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testTree(t *testing.T) *Tree {
	t.Helper()

	tree, err := New(t.TempDir(), testLogger())
	require.NoError(t, err)

	return tree
}

func descriptorFor(content string, lastModified int64) protocol.FileDescriptor {
	sum := md5.Sum([]byte(content))

	return protocol.FileDescriptor{
		MD5:          hex.EncodeToString(sum[:]),
		LastModified: lastModified,
		FileSize:     int64(len(content)),
	}
}

func writeShareFile(t *testing.T, tree *Tree, relPath, content string) {
	t.Helper()

	abs := filepath.Join(tree.Root(), filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestNew_IndexesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a.txt"), []byte("hello"), 0o644))

	tree, err := New(dir, testLogger())
	require.NoError(t, err)

	desc, ok := tree.Descriptor("docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, descriptorFor("hello", 0).MD5, desc.MD5)
	assert.Equal(t, int64(5), desc.FileSize)
	assert.True(t, tree.HasDirectory("docs"))
}

func TestRefresh_SkipsHiddenAndRehashesChanged(t *testing.T) {
	tree := testTree(t)

	writeShareFile(t, tree, "a.txt", "one")
	writeShareFile(t, tree, ".hidden", "secret")
	require.NoError(t, tree.Refresh())

	_, hidden := tree.Descriptor(".hidden")
	assert.False(t, hidden, "dotfiles are not part of the share")

	desc, ok := tree.Descriptor("a.txt")
	require.True(t, ok)

	// Change content and force a different mtime so the rehash triggers.
	writeShareFile(t, tree, "a.txt", "two!")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(tree.Root(), "a.txt"), future, future))
	require.NoError(t, tree.Refresh())

	changed, ok := tree.Descriptor("a.txt")
	require.True(t, ok)
	assert.NotEqual(t, desc.MD5, changed.MD5)
	assert.Equal(t, int64(4), changed.FileSize)
}

func TestCreateFileLoader_LifecycleToPresent(t *testing.T) {
	tree := testTree(t)
	desc := descriptorFor("hello world", time.Now().Unix())

	loader, err := tree.CreateFileLoader("greeting.txt", desc)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.LoaderCount())

	// The target must not exist while loading.
	_, err = os.Stat(filepath.Join(tree.Root(), "greeting.txt"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, loader.WriteBlock(0, []byte("hello ")))
	require.NoError(t, loader.WriteBlock(6, []byte("world")))
	assert.Equal(t, int64(11), loader.BytesReceived())

	require.NoError(t, loader.Complete())
	assert.Equal(t, 0, tree.LoaderCount())

	data, err := os.ReadFile(filepath.Join(tree.Root(), "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	indexed, ok := tree.Descriptor("greeting.txt")
	require.True(t, ok)
	assert.Equal(t, desc.MD5, indexed.MD5)
}

func TestCreateFileLoader_AtMostOnePerPath(t *testing.T) {
	tree := testTree(t)
	desc := descriptorFor("content", 100)

	_, err := tree.CreateFileLoader("a.txt", desc)
	require.NoError(t, err)

	_, err = tree.CreateFileLoader("a.txt", desc)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrCodeFileExists, terr.Code)
}

func TestCreateFileLoader_Failures(t *testing.T) {
	tree := testTree(t)
	writeShareFile(t, tree, "exists.txt", "x")
	require.NoError(t, tree.MakeDirectory("docs"))
	require.NoError(t, tree.Refresh())

	tests := []struct {
		name string
		path string
		code string
	}{
		{name: "existing file", path: "exists.txt", code: ErrCodeFileExists},
		{name: "path is a directory", path: "docs", code: ErrCodePathInUse},
		{name: "missing parent", path: "nowhere/a.txt", code: ErrCodeParentMissing},
		{name: "escape via dotdot", path: "../a.txt", code: ErrCodeUnsafePathname},
		{name: "absolute path", path: "/etc/passwd", code: ErrCodeUnsafePathname},
		{name: "empty path", path: "", code: ErrCodeUnsafePathname},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tree.CreateFileLoader(tt.path, descriptorFor("y", 1))

			var terr *Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tt.code, terr.Code)
		})
	}
}

func TestLoaderComplete_DigestMismatchDiscards(t *testing.T) {
	tree := testTree(t)
	desc := descriptorFor("expected", 100)

	loader, err := tree.CreateFileLoader("a.txt", desc)
	require.NoError(t, err)

	require.NoError(t, loader.WriteBlock(0, []byte("exPECted")))

	err = loader.Complete()
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrCodeDigestMismatch, terr.Code)

	// The slot is released and can be re-requested.
	assert.Equal(t, 0, tree.LoaderCount())
	_, ok := tree.Descriptor("a.txt")
	assert.False(t, ok)

	_, err = tree.CreateFileLoader("a.txt", desc)
	assert.NoError(t, err)
}

func TestCancelFileLoader_RemovesSidecar(t *testing.T) {
	tree := testTree(t)

	loader, err := tree.CreateFileLoader("a.txt", descriptorFor("x", 1))
	require.NoError(t, err)

	loader.Cancel()
	assert.Equal(t, 0, tree.LoaderCount())

	entries, err := os.ReadDir(tree.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "sidecar must be removed on cancel")
}

func TestModifyFileLoader_Rules(t *testing.T) {
	tree := testTree(t)
	writeShareFile(t, tree, "a.txt", "old content")
	require.NoError(t, tree.Refresh())

	existing, ok := tree.Descriptor("a.txt")
	require.True(t, ok)

	t.Run("matching content rejected", func(t *testing.T) {
		same := existing
		same.LastModified = existing.LastModified + 100

		_, err := tree.ModifyFileLoader("a.txt", same)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, ErrCodeFileExists, terr.Code)
	})

	t.Run("older descriptor rejected", func(t *testing.T) {
		older := descriptorFor("new content", existing.LastModified-100)

		_, err := tree.ModifyFileLoader("a.txt", older)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, ErrCodeFileExists, terr.Code)
	})

	t.Run("missing file rejected", func(t *testing.T) {
		_, err := tree.ModifyFileLoader("missing.txt", descriptorFor("x", 1))
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, ErrCodeFileMissing, terr.Code)
	})

	t.Run("newer differing content accepted", func(t *testing.T) {
		newer := descriptorFor("new content", existing.LastModified+100)

		loader, err := tree.ModifyFileLoader("a.txt", newer)
		require.NoError(t, err)

		require.NoError(t, loader.WriteBlock(0, []byte("new content")))
		require.NoError(t, loader.Complete())

		data, err := os.ReadFile(filepath.Join(tree.Root(), "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "new content", string(data))
	})
}

func TestCheckShortcut(t *testing.T) {
	tree := testTree(t)
	writeShareFile(t, tree, "source.txt", "shared bytes")
	require.NoError(t, tree.Refresh())

	desc := descriptorFor("shared bytes", time.Now().Unix())

	ok, err := tree.CheckShortcut("copy.txt", desc)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(filepath.Join(tree.Root(), "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "shared bytes", string(data))

	indexed, found := tree.Descriptor("copy.txt")
	require.True(t, found)
	assert.Equal(t, desc.MD5, indexed.MD5)

	// No matching content anywhere: no shortcut, no error.
	ok, err = tree.CheckShortcut("other.txt", descriptorFor("unknown", 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckShortcut_StaleIndexRejected(t *testing.T) {
	tree := testTree(t)
	writeShareFile(t, tree, "source.txt", "original")
	require.NoError(t, tree.Refresh())

	desc := descriptorFor("original", time.Now().Unix())

	// Mutate the source behind the index's back; the copy must verify
	// against the descriptor digest and refuse.
	writeShareFile(t, tree, "source.txt", "tampered")

	ok, err := tree.CheckShortcut("copy.txt", desc)
	require.NoError(t, err)
	assert.False(t, ok)

	_, statErr := os.Stat(filepath.Join(tree.Root(), "copy.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteFile(t *testing.T) {
	tree := testTree(t)
	writeShareFile(t, tree, "a.txt", "x")
	require.NoError(t, tree.Refresh())

	require.NoError(t, tree.DeleteFile("a.txt"))

	_, ok := tree.Descriptor("a.txt")
	assert.False(t, ok)

	err := tree.DeleteFile("a.txt")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrCodeFileMissing, terr.Code)
}

func TestDirectories(t *testing.T) {
	tree := testTree(t)

	require.NoError(t, tree.MakeDirectory("docs"))
	assert.True(t, tree.HasDirectory("docs"))

	// Observed legacy semantics: creating an existing directory fails.
	err := tree.MakeDirectory("docs")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrCodePathInUse, terr.Code)

	require.NoError(t, tree.MakeDirectory("docs/img"))

	err = tree.DeleteDirectory("docs")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrCodeDirectoryNotEmpty, terr.Code)

	require.NoError(t, tree.DeleteDirectory("docs/img"))
	require.NoError(t, tree.DeleteDirectory("docs"))

	err = tree.DeleteDirectory("docs")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrCodeFileMissing, terr.Code)
}

func TestMakeDirectory_OverFile(t *testing.T) {
	tree := testTree(t)
	writeShareFile(t, tree, "a.txt", "x")
	require.NoError(t, tree.Refresh())

	err := tree.MakeDirectory("a.txt")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrCodePathInUse, terr.Code)
}

func TestReadFileBlock(t *testing.T) {
	tree := testTree(t)
	writeShareFile(t, tree, "a.txt", "hello world")
	require.NoError(t, tree.Refresh())

	desc, ok := tree.Descriptor("a.txt")
	require.True(t, ok)

	data, err := tree.ReadFileBlock("a.txt", desc, 6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	t.Run("content changed since announce", func(t *testing.T) {
		stale := desc
		stale.MD5 = "00000000000000000000000000000000"

		_, err := tree.ReadFileBlock("a.txt", stale, 0, 5)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, ErrCodeDigestMismatch, terr.Code)
	})

	t.Run("out of bounds", func(t *testing.T) {
		_, err := tree.ReadFileBlock("a.txt", desc, 8, 10)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := tree.ReadFileBlock("missing.txt", desc, 0, 1)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, ErrCodeFileMissing, terr.Code)
	})
}

func TestSweepExpiredLoaders(t *testing.T) {
	tree := testTree(t)

	expired, err := tree.CreateFileLoader("old.txt", descriptorFor("x", 1))
	require.NoError(t, err)
	expired.SetDeadline(time.Now().Add(-time.Minute))

	fresh, err := tree.CreateFileLoader("new.txt", descriptorFor("y", 1))
	require.NoError(t, err)
	fresh.SetDeadline(time.Now().Add(time.Hour))

	paths := tree.SweepExpiredLoaders(time.Now())
	assert.Equal(t, []string{"old.txt"}, paths)
	assert.Equal(t, 1, tree.LoaderCount())
}

func TestNormalizePath(t *testing.T) {
	// NFD "e" + combining acute normalizes to the NFC precomposed form,
	// so macOS and Linux peers agree on the path key.
	assert.Equal(t, NormalizePath("caf\u00e9.txt"), NormalizePath("cafe\u0301.txt"))

	assert.Equal(t, "docs/a.txt", NormalizePath(filepath.Join("docs", "a.txt")))
}
