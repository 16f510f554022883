// Package detector turns periodic scans of the share directory into a
// stream of file and directory events for the sync engine.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bitboxsync/bitbox/internal/config"
	"github.com/bitboxsync/bitbox/internal/fstree"
	"github.com/bitboxsync/bitbox/internal/protocol"
)

// EventKind enumerates the change events a scan can produce.
type EventKind int

const (
	FileCreate EventKind = iota
	FileModify
	FileDelete
	DirectoryCreate
	DirectoryDelete
)

func (k EventKind) String() string {
	switch k {
	case FileCreate:
		return "FILE_CREATE"
	case FileModify:
		return "FILE_MODIFY"
	case FileDelete:
		return "FILE_DELETE"
	case DirectoryCreate:
		return "DIRECTORY_CREATE"
	case DirectoryDelete:
		return "DIRECTORY_DELETE"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a single observed change. Descriptor carries the new
// descriptor for creates and modifies, and the pre-existing one for
// deletes; it is zero for directory events.
type Event struct {
	Kind       EventKind
	Path       string
	Descriptor protocol.FileDescriptor
}

const (
	// eventChanSize buffers scan events toward the engine.
	eventChanSize = 256

	// nudgeMinInterval rate-limits the early scans triggered by
	// filesystem notifications between regular intervals.
	nudgeMinInterval = time.Second
)

// Detector owns the scan cycle. The share tree does the hashing; the
// detector only diffs consecutive snapshots, so it never reads file
// contents itself.
type Detector struct {
	tree   *fstree.Tree
	logger *slog.Logger

	interval time.Duration
	cfgCh    <-chan *config.Config

	prevFiles map[string]protocol.FileDescriptor
	prevDirs  map[string]struct{}

	events chan Event
	nudge  chan struct{}
}

// New creates a detector. The initial snapshot is taken immediately, so
// files already present at startup produce no create events; the
// periodic full-tree announcement covers them.
func New(tree *fstree.Tree, cfg *config.Config, cfgCh <-chan *config.Config, logger *slog.Logger) *Detector {
	files, dirs := tree.Snapshot()

	return &Detector{
		tree:      tree,
		logger:    logger,
		interval:  cfg.SyncInterval,
		cfgCh:     cfgCh,
		prevFiles: files,
		prevDirs:  dirs,
		events:    make(chan Event, eventChanSize),
		nudge:     make(chan struct{}, 1),
	}
}

// Events returns the stream of observed changes.
func (d *Detector) Events() <-chan Event {
	return d.events
}

// Run drives the scan loop until the context is cancelled. A filesystem
// watcher on the share root shortens the wait between intervals when
// local activity is seen.
func (d *Detector) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating share watcher: %w", err)
	}
	defer watcher.Close()

	if err := d.addRecursive(watcher, d.tree.Root()); err != nil {
		return fmt.Errorf("watching share dir: %w", err)
	}

	go d.forwardNudges(ctx, watcher)

	d.logger.Info("change detector started",
		slog.String("dir", d.tree.Root()),
		slog.Duration("interval", d.interval),
	)

	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	lastScan := time.Now()

	for {
		select {
		case <-ctx.Done():
			close(d.events)
			return ctx.Err()

		case cfg := <-d.cfgCh:
			if cfg.SyncInterval != d.interval {
				d.interval = cfg.SyncInterval
				d.logger.Info("sync interval updated", slog.Duration("interval", d.interval))
			}

		case <-d.nudge:
			if time.Since(lastScan) < nudgeMinInterval {
				continue
			}
			lastScan = time.Now()
			d.scan(ctx)

		case <-timer.C:
			lastScan = time.Now()
			d.scan(ctx)
			timer.Reset(d.interval)
		}
	}
}

// forwardNudges collapses raw fsnotify traffic into scan nudges. New
// directories are added to the watch as they appear.
func (d *Detector) forwardNudges(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if d.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = d.addRecursive(watcher, event.Name)
				}
			}

			select {
			case d.nudge <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			d.logger.Warn("share watcher error", slog.String("error", err.Error()))
		}
	}
}

func (d *Detector) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.IsDir() {
			return nil
		}

		if d.shouldIgnore(path) || entry.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}

func (d *Detector) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	return strings.HasPrefix(base, ".") && path != d.tree.Root()
}

// scan refreshes the tree index and emits the diff against the previous
// snapshot. Each path produces at most one event per cycle.
func (d *Detector) scan(ctx context.Context) {
	if err := d.tree.Refresh(); err != nil {
		d.logger.Warn("share scan failed", slog.String("error", err.Error()))
		return
	}

	files, dirs := d.tree.Snapshot()
	events := Diff(d.prevFiles, d.prevDirs, files, dirs)

	d.prevFiles = files
	d.prevDirs = dirs

	if len(events) == 0 {
		return
	}

	d.logger.Debug("scan produced events", slog.Int("count", len(events)))

	for _, ev := range events {
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Diff computes the events turning the old snapshot into the new one.
// Ordering: directory creates parent-first, then file creates and
// modifies, then file deletes, then directory deletes child-first.
func Diff(
	oldFiles map[string]protocol.FileDescriptor, oldDirs map[string]struct{},
	newFiles map[string]protocol.FileDescriptor, newDirs map[string]struct{},
) []Event {
	var dirCreates, fileEvents, fileDeletes, dirDeletes []Event

	for path := range newDirs {
		if _, ok := oldDirs[path]; !ok {
			dirCreates = append(dirCreates, Event{Kind: DirectoryCreate, Path: path})
		}
	}

	for path, desc := range newFiles {
		prev, ok := oldFiles[path]
		switch {
		case !ok:
			fileEvents = append(fileEvents, Event{Kind: FileCreate, Path: path, Descriptor: desc})
		case prev.MD5 != desc.MD5:
			fileEvents = append(fileEvents, Event{Kind: FileModify, Path: path, Descriptor: desc})
		}
	}

	for path, desc := range oldFiles {
		if _, ok := newFiles[path]; !ok {
			fileDeletes = append(fileDeletes, Event{Kind: FileDelete, Path: path, Descriptor: desc})
		}
	}

	for path := range oldDirs {
		if _, ok := newDirs[path]; !ok {
			dirDeletes = append(dirDeletes, Event{Kind: DirectoryDelete, Path: path})
		}
	}

	byDepthAsc := func(events []Event) {
		sort.Slice(events, func(i, j int) bool {
			return pathDepth(events[i].Path) < pathDepth(events[j].Path)
		})
	}
	byDepthDesc := func(events []Event) {
		sort.Slice(events, func(i, j int) bool {
			return pathDepth(events[i].Path) > pathDepth(events[j].Path)
		})
	}

	byDepthAsc(dirCreates)
	byDepthAsc(fileEvents)
	byDepthDesc(fileDeletes)
	byDepthDesc(dirDeletes)

	out := make([]Event, 0, len(dirCreates)+len(fileEvents)+len(fileDeletes)+len(dirDeletes))
	out = append(out, dirCreates...)
	out = append(out, fileEvents...)
	out = append(out, fileDeletes...)
	out = append(out, dirDeletes...)

	return out
}

// GenerateSyncEvents produces creates for the entire current tree,
// parents first. Broadcast to a freshly activated peer, and re-announced
// every interval so peers that missed traffic converge.
func (d *Detector) GenerateSyncEvents() []Event {
	files, dirs := d.tree.Snapshot()

	return Diff(nil, nil, files, dirs)
}

func pathDepth(path string) int {
	return strings.Count(path, "/")
}
