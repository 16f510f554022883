// Package engine drives the file synchronization protocol: it turns
// local change events into requests toward peers, answers inbound
// requests against the share tree, and runs the byte-range pull
// sub-protocol for inbound transfers.
package engine

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bitboxsync/bitbox/internal/config"
	"github.com/bitboxsync/bitbox/internal/detector"
	"github.com/bitboxsync/bitbox/internal/fstree"
	"github.com/bitboxsync/bitbox/internal/peer"
	"github.com/bitboxsync/bitbox/internal/protocol"
)

// transferDeadlineFactor scales syncInterval into the progress window a
// transfer gets before its loader is cancelled. The window restarts on
// every applied block, so only stalled transfers expire.
const transferDeadlineFactor = 4

type transferKey struct {
	path string
	md5  string
}

// transfer is one in-flight inbound file download. Byte-range requests
// are issued strictly sequentially: the next is sent only after the
// previous response has been applied.
type transfer struct {
	id     string
	loader *fstree.Loader
	source string
	cursor int64
}

// Sender is the slice of the peer registry the engine addresses peers
// through. Peers are addressed by host:port handle; a send to a
// departed peer simply fails and the engine moves on.
type Sender interface {
	SendTo(hostPort string, m protocol.Message) error
	Broadcast(m protocol.Message)
}

// Engine implements peer.Handler and owns all pending transfers.
type Engine struct {
	tree     *fstree.Tree
	det      *detector.Detector
	registry Sender
	logger   *slog.Logger

	blockSize    atomic.Int64
	syncInterval atomic.Int64
	cfgCh        <-chan *config.Config

	mu        sync.Mutex
	transfers map[transferKey]*transfer
}

// New creates the engine.
func New(tree *fstree.Tree, det *detector.Detector, registry Sender, cfg *config.Config, cfgCh <-chan *config.Config, logger *slog.Logger) *Engine {
	e := &Engine{
		tree:      tree,
		det:       det,
		registry:  registry,
		cfgCh:     cfgCh,
		logger:    logger,
		transfers: make(map[transferKey]*transfer),
	}
	e.blockSize.Store(cfg.BlockSize)
	e.syncInterval.Store(int64(cfg.SyncInterval))

	return e
}

// Run consumes detector events and drives the periodic full-tree
// announcement until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.syncInterval.Load())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := e.det.Events()

	for {
		select {
		case <-ctx.Done():
			e.abortAll()
			return ctx.Err()

		case cfg, ok := <-e.cfgCh:
			if !ok {
				continue
			}
			e.blockSize.Store(cfg.BlockSize)
			if int64(cfg.SyncInterval) != e.syncInterval.Load() {
				e.syncInterval.Store(int64(cfg.SyncInterval))
				ticker.Reset(cfg.SyncInterval)
			}

		case ev, ok := <-events:
			if !ok {
				// Detector shut down; the context case ends the loop.
				events = nil
				continue
			}
			e.registry.Broadcast(eventMessage(ev))

		case <-ticker.C:
			// The periodic announcement doubles as keep-alive traffic
			// and convergence repair for peers that missed events.
			for _, ev := range e.det.GenerateSyncEvents() {
				e.registry.Broadcast(eventMessage(ev))
			}

			e.sweepExpired()
		}
	}
}

// eventMessage maps a detector event to its wire request.
func eventMessage(ev detector.Event) protocol.Message {
	switch ev.Kind {
	case detector.FileCreate:
		return &protocol.FileCreateRequest{PathName: ev.Path, FileDescriptor: ev.Descriptor}
	case detector.FileModify:
		return &protocol.FileModifyRequest{PathName: ev.Path, FileDescriptor: ev.Descriptor}
	case detector.FileDelete:
		return &protocol.FileDeleteRequest{PathName: ev.Path, FileDescriptor: ev.Descriptor}
	case detector.DirectoryCreate:
		return &protocol.DirectoryCreateRequest{PathName: ev.Path}
	default:
		return &protocol.DirectoryDeleteRequest{PathName: ev.Path}
	}
}

// PeerActivated announces the whole tree to a freshly connected peer.
func (e *Engine) PeerActivated(hostPort string) {
	for _, ev := range e.det.GenerateSyncEvents() {
		if err := e.registry.SendTo(hostPort, eventMessage(ev)); err != nil {
			return
		}
	}
}

// PeerClosed aborts every transfer sourced from the departed peer.
func (e *Engine) PeerClosed(hostPort string) {
	e.mu.Lock()
	var orphaned []*transfer
	for key, tr := range e.transfers {
		if tr.source == hostPort {
			orphaned = append(orphaned, tr)
			delete(e.transfers, key)
		}
	}
	e.mu.Unlock()

	for _, tr := range orphaned {
		tr.loader.Cancel()
		e.logger.Info("transfer aborted, peer gone",
			slog.String("transfer", tr.id),
			slog.String("path", tr.loader.Path()),
			slog.String("peer", hostPort),
		)
	}
}

// HandlePeerMessage routes one inbound post-handshake message.
func (e *Engine) HandlePeerMessage(hostPort string, m protocol.Message) {
	switch msg := m.(type) {
	case *protocol.FileCreateRequest:
		e.handleFileChange(hostPort, msg.PathName, msg.FileDescriptor, false)
	case *protocol.FileModifyRequest:
		e.handleFileChange(hostPort, msg.PathName, msg.FileDescriptor, true)
	case *protocol.FileDeleteRequest:
		e.handleFileDelete(hostPort, msg)
	case *protocol.FileBytesRequest:
		e.handleFileBytesRequest(hostPort, msg)
	case *protocol.FileBytesResponse:
		e.handleFileBytesResponse(hostPort, msg)
	case *protocol.DirectoryCreateRequest:
		e.handleDirectoryCreate(hostPort, msg)
	case *protocol.DirectoryDeleteRequest:
		e.handleDirectoryDelete(hostPort, msg)

	case *protocol.FileCreateResponse:
		e.logResponse(hostPort, m.Command(), msg.PathName, msg.Status, msg.Message)
	case *protocol.FileModifyResponse:
		e.logResponse(hostPort, m.Command(), msg.PathName, msg.Status, msg.Message)
	case *protocol.FileDeleteResponse:
		e.logResponse(hostPort, m.Command(), msg.PathName, msg.Status, msg.Message)
	case *protocol.DirectoryCreateResponse:
		e.logResponse(hostPort, m.Command(), msg.PathName, msg.Status, msg.Message)
	case *protocol.DirectoryDeleteResponse:
		e.logResponse(hostPort, m.Command(), msg.PathName, msg.Status, msg.Message)

	default:
		e.logger.Warn("unhandled message",
			slog.String("peer", hostPort),
			slog.String("command", m.Command()),
		)
	}
}

// logResponse records a peer's verdict on one of our requests. A false
// status is routine: re-announced creates land on files the peer
// already has.
func (e *Engine) logResponse(hostPort, command, path string, status bool, message string) {
	e.logger.Debug("peer response",
		slog.String("peer", hostPort),
		slog.String("command", command),
		slog.String("path", path),
		slog.Bool("status", status),
		slog.String("message", message),
	)
}

// remoteWins decides whether a differing remote descriptor replaces the
// local one. Newer lastModified wins; on a tie the lexicographically
// greater digest wins, so both sides converge on the same content.
func remoteWins(local, remote protocol.FileDescriptor) bool {
	if remote.MD5 == local.MD5 {
		return false
	}
	if remote.LastModified != local.LastModified {
		return remote.LastModified > local.LastModified
	}

	return remote.MD5 > local.MD5
}

// handleFileChange services an inbound create or modify request:
// shortcut first, then loader allocation, then the first byte pull.
func (e *Engine) handleFileChange(hostPort, pathName string, desc protocol.FileDescriptor, modify bool) {
	// The response type mirrors the request even when a re-announced
	// create ends up serviced as a modify below.
	isModifyRequest := modify

	respond := func(status bool, message string) {
		var resp protocol.Message
		if isModifyRequest {
			resp = &protocol.FileModifyResponse{PathName: pathName, FileDescriptor: desc, Status: status, Message: message}
		} else {
			resp = &protocol.FileCreateResponse{PathName: pathName, FileDescriptor: desc, Status: status, Message: message}
		}
		_ = e.registry.SendTo(hostPort, resp)
	}

	path := fstree.NormalizePath(pathName)

	local, exists := e.tree.Descriptor(path)
	if exists {
		if local.Equal(desc) {
			respond(false, "file already exists with matching content")
			return
		}
		if !remoteWins(local, desc) {
			respond(false, "newer file exists")
			return
		}
		// A re-announced create for content we hold an older version of
		// is serviced as a modify.
		modify = true
	} else if modify {
		respond(false, "file does not exist")
		return
	}

	shortcut, err := e.tree.CheckShortcut(path, desc)
	if err != nil {
		respond(false, err.Error())
		return
	}
	if shortcut {
		respond(true, "file loader ready")
		return
	}

	var loader *fstree.Loader
	if modify {
		loader, err = e.tree.ModifyFileLoader(path, desc)
	} else {
		loader, err = e.tree.CreateFileLoader(path, desc)
	}
	if err != nil {
		respond(false, err.Error())
		return
	}

	respond(true, "file loader ready")
	e.startTransfer(hostPort, loader)
}

// startTransfer registers the pending transfer and issues the first
// byte-range request. Empty files complete immediately.
func (e *Engine) startTransfer(hostPort string, loader *fstree.Loader) {
	desc := loader.Descriptor()
	key := transferKey{path: loader.Path(), md5: desc.MD5}

	tr := &transfer{
		id:     uuid.NewString(),
		loader: loader,
		source: hostPort,
	}

	e.mu.Lock()
	e.transfers[key] = tr
	e.mu.Unlock()

	loader.SetDeadline(time.Now().Add(e.deadlineWindow()))

	e.logger.Info("transfer started",
		slog.String("transfer", tr.id),
		slog.String("path", loader.Path()),
		slog.String("peer", hostPort),
		slog.Int64("size", desc.FileSize),
	)

	if desc.FileSize == 0 {
		e.finishTransfer(key, tr)
		return
	}

	e.requestNextBlock(key, tr)
}

func (e *Engine) deadlineWindow() time.Duration {
	return transferDeadlineFactor * time.Duration(e.syncInterval.Load())
}

// requestNextBlock issues the byte-range request at the transfer's
// cursor. The final block is truncated to the remaining length.
func (e *Engine) requestNextBlock(key transferKey, tr *transfer) {
	desc := tr.loader.Descriptor()

	length := e.blockSize.Load()
	if remaining := desc.FileSize - tr.cursor; remaining < length {
		length = remaining
	}

	req := &protocol.FileBytesRequest{
		PathName:       tr.loader.Path(),
		FileDescriptor: desc,
		Position:       tr.cursor,
		Length:         length,
	}

	if err := e.registry.SendTo(tr.source, req); err != nil {
		e.abortTransfer(key, tr, "source peer unavailable")
	}
}

// handleFileBytesRequest reads the requested range from the local store
// and returns it base64-encoded. A digest mismatch (the content changed
// since it was announced) fails the read.
func (e *Engine) handleFileBytesRequest(hostPort string, req *protocol.FileBytesRequest) {
	resp := &protocol.FileBytesResponse{
		PathName:       req.PathName,
		FileDescriptor: req.FileDescriptor,
		Position:       req.Position,
		Length:         req.Length,
	}

	data, err := e.tree.ReadFileBlock(req.PathName, req.FileDescriptor, req.Position, req.Length)
	if err != nil {
		resp.Status = false
		resp.Content = ""
		resp.Message = err.Error()
	} else {
		resp.Status = true
		resp.Content = base64.StdEncoding.EncodeToString(data)
		resp.Message = "successful read"
	}

	_ = e.registry.SendTo(hostPort, resp)
}

// handleFileBytesResponse applies one block to the matching transfer
// and either requests the next block or completes the download.
func (e *Engine) handleFileBytesResponse(hostPort string, resp *protocol.FileBytesResponse) {
	key := transferKey{path: fstree.NormalizePath(resp.PathName), md5: resp.FileDescriptor.MD5}

	e.mu.Lock()
	tr, ok := e.transfers[key]
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("bytes response without transfer, dropped",
			slog.String("peer", hostPort),
			slog.String("path", resp.PathName),
		)

		return
	}

	if !resp.Status {
		e.abortTransfer(key, tr, resp.Message)
		return
	}

	data, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil {
		e.abortTransfer(key, tr, "invalid base64 content")
		return
	}

	if err := tr.loader.WriteBlock(resp.Position, data); err != nil {
		e.abortTransfer(key, tr, err.Error())
		return
	}

	tr.cursor = resp.Position + int64(len(data))
	tr.loader.SetDeadline(time.Now().Add(e.deadlineWindow()))

	if tr.cursor < tr.loader.Descriptor().FileSize {
		e.requestNextBlock(key, tr)
		return
	}

	e.finishTransfer(key, tr)
}

// finishTransfer verifies and installs the downloaded content.
func (e *Engine) finishTransfer(key transferKey, tr *transfer) {
	e.mu.Lock()
	delete(e.transfers, key)
	e.mu.Unlock()

	if err := tr.loader.Complete(); err != nil {
		// A digest mismatch discards the download; the source
		// re-announces the new content on its next scan.
		e.logger.Warn("transfer failed verification",
			slog.String("transfer", tr.id),
			slog.String("path", tr.loader.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	e.logger.Info("transfer complete",
		slog.String("transfer", tr.id),
		slog.String("path", tr.loader.Path()),
	)
}

func (e *Engine) abortTransfer(key transferKey, tr *transfer, reason string) {
	e.mu.Lock()
	delete(e.transfers, key)
	e.mu.Unlock()

	tr.loader.Cancel()

	e.logger.Warn("transfer aborted",
		slog.String("transfer", tr.id),
		slog.String("path", tr.loader.Path()),
		slog.String("reason", reason),
	)
}

// handleFileDelete applies a delete when the descriptors agree or the
// remote change is newer; otherwise the local file stands.
func (e *Engine) handleFileDelete(hostPort string, req *protocol.FileDeleteRequest) {
	resp := &protocol.FileDeleteResponse{PathName: req.PathName, FileDescriptor: req.FileDescriptor}

	local, exists := e.tree.Descriptor(req.PathName)
	switch {
	case !exists:
		resp.Status = false
		resp.Message = "file does not exist"

	case local.Equal(req.FileDescriptor) || req.FileDescriptor.LastModified > local.LastModified:
		if err := e.tree.DeleteFile(req.PathName); err != nil {
			resp.Status = false
			resp.Message = err.Error()
		} else {
			resp.Status = true
			resp.Message = "file deleted"
		}

	default:
		resp.Status = false
		resp.Message = "newer file exists"
	}

	_ = e.registry.SendTo(hostPort, resp)
}

func (e *Engine) handleDirectoryCreate(hostPort string, req *protocol.DirectoryCreateRequest) {
	resp := &protocol.DirectoryCreateResponse{PathName: req.PathName}

	if err := e.tree.MakeDirectory(req.PathName); err != nil {
		resp.Status = false
		resp.Message = err.Error()
	} else {
		resp.Status = true
		resp.Message = "directory created"
	}

	_ = e.registry.SendTo(hostPort, resp)
}

func (e *Engine) handleDirectoryDelete(hostPort string, req *protocol.DirectoryDeleteRequest) {
	resp := &protocol.DirectoryDeleteResponse{PathName: req.PathName}

	if err := e.tree.DeleteDirectory(req.PathName); err != nil {
		resp.Status = false
		resp.Message = err.Error()
	} else {
		resp.Status = true
		resp.Message = "directory deleted"
	}

	_ = e.registry.SendTo(hostPort, resp)
}

// sweepExpired cancels transfers whose loaders missed their progress
// deadline.
func (e *Engine) sweepExpired() {
	expired := e.tree.SweepExpiredLoaders(time.Now())
	if len(expired) == 0 {
		return
	}

	e.mu.Lock()
	for _, path := range expired {
		for key := range e.transfers {
			if key.path == path {
				delete(e.transfers, key)
			}
		}
	}
	e.mu.Unlock()
}

// abortAll cancels every pending transfer. Used at shutdown.
func (e *Engine) abortAll() {
	e.mu.Lock()
	transfers := make([]*transfer, 0, len(e.transfers))
	for key, tr := range e.transfers {
		transfers = append(transfers, tr)
		delete(e.transfers, key)
	}
	e.mu.Unlock()

	for _, tr := range transfers {
		tr.loader.Cancel()
	}
}

// TransferCount reports the number of pending transfers.
func (e *Engine) TransferCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.transfers)
}

var _ peer.Handler = (*Engine)(nil)
