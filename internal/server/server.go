// Package server wires the bitbox subsystems together and owns their
// lifecycles.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/bitboxsync/bitbox/internal/client"
	"github.com/bitboxsync/bitbox/internal/config"
	"github.com/bitboxsync/bitbox/internal/detector"
	"github.com/bitboxsync/bitbox/internal/engine"
	"github.com/bitboxsync/bitbox/internal/fstree"
	"github.com/bitboxsync/bitbox/internal/peer"
	"github.com/bitboxsync/bitbox/internal/protocol"
	"github.com/bitboxsync/bitbox/internal/transport"
)

// Server is the bitbox daemon root.
type Server struct {
	watcher *config.Watcher
	logger  *slog.Logger
}

// New creates the daemon root from a loaded configuration watcher.
func New(watcher *config.Watcher, logger *slog.Logger) *Server {
	return &Server{
		watcher: watcher,
		logger:  logger,
	}
}

// Run builds every subsystem, binds the listeners, and blocks until
// the context is cancelled. Shutdown closes all peers, cancels pending
// loaders, and returns.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.watcher.Current()

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return fmt.Errorf("creating share directory: %w", err)
	}

	tree, err := fstree.New(cfg.Path, s.logger)
	if err != nil {
		return fmt.Errorf("indexing share directory: %w", err)
	}

	local := protocol.HostPort{Host: cfg.AdvertisedName, Port: cfg.Port}

	opts := transport.Options{
		UDPTimeout: cfg.UDPTimeout,
		UDPRetries: cfg.UDPRetries,
		Logger:     s.logger,
	}

	registry := peer.NewRegistry(local, cfg, opts, s.logger)
	det := detector.New(tree, cfg, s.watcher.Subscribe(), s.logger)
	eng := engine.New(tree, det, registry, cfg, s.watcher.Subscribe(), s.logger)
	registry.SetHandler(eng)

	clientSrv := client.NewServer(cfg, registry, s.logger)

	peerListener, err := transport.Listen(cfg.Mode, fmt.Sprintf(":%d", cfg.Port), opts)
	if err != nil {
		return fmt.Errorf("binding peer listener: %w", err)
	}
	defer peerListener.Close()

	clientListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ClientPort))
	if err != nil {
		return fmt.Errorf("binding client listener: %w", err)
	}
	defer clientListener.Close()

	s.logger.Info("bitbox started",
		slog.String("host_port", local.String()),
		slog.String("mode", cfg.Mode),
		slog.String("share", tree.Root()),
		slog.Int("client_port", cfg.ClientPort),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.watcher.Watch(gctx)
	})

	g.Go(func() error {
		return det.Run(gctx)
	})

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		return clientSrv.Run(gctx, clientListener)
	})

	g.Go(func() error {
		return s.acceptPeers(gctx, peerListener, registry)
	})

	g.Go(func() error {
		return s.refreshConfig(gctx, registry, clientSrv)
	})

	// Initial outbound dials from the configured peer list. Failures
	// are logged; the node still serves incoming connections.
	g.Go(func() error {
		for _, addr := range cfg.Peers {
			if _, err := protocol.ParseHostPort(addr); err != nil {
				s.logger.Warn("skipping malformed peer address",
					slog.String("peer", addr),
					slog.String("error", err.Error()),
				)

				continue
			}

			if err := registry.ConnectOutgoing(gctx, addr); err != nil {
				s.logger.Warn("initial peer connection failed",
					slog.String("peer", addr),
					slog.String("error", err.Error()),
				)
			}
		}

		return nil
	})

	err = g.Wait()

	registry.CloseAll()
	tree.CancelAllLoaders()

	s.logger.Info("bitbox stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (s *Server) acceptPeers(ctx context.Context, listener transport.Listener, registry *peer.Registry) error {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("accepting peer connection: %w", err)
		}

		go registry.HandleIncoming(ctx, conn)
	}
}

// refreshConfig pushes new snapshots into the subsystems that accept
// runtime updates. Ports and transport mode are never re-bound.
func (s *Server) refreshConfig(ctx context.Context, registry *peer.Registry, clientSrv *client.Server) error {
	updates := s.watcher.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cfg := <-updates:
			registry.ApplyConfig(cfg)
			clientSrv.ApplyConfig(cfg)
		}
	}
}
