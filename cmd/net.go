package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luca-patrignani/mental-craps/config"
	"github.com/luca-patrignani/mental-craps/discovery"
	"github.com/luca-patrignani/mental-craps/network"
	"github.com/luca-patrignani/mental-craps/protocol"
)

// startGossip brings up the libp2p transport and dials the bootstrap peers.
// Unreachable bootstrap peers are logged, not fatal: the table may still be
// found by discovery.
func startGossip(ctx context.Context, cfg *config.Config, id *protocol.Identity, logger *slog.Logger) (*network.Gossip, error) {
	g, err := network.NewGossip(ctx, network.GossipConfig{
		ListenAddrs: cfg.Listen,
		Topic:       cfg.Topic,
		Seed:        id.Seed(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Bootstrap) > 0 {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := g.Connect(dialCtx, cfg.Bootstrap); err != nil {
			logger.Warn("some bootstrap peers are unreachable", "err", err)
		}
	}
	return g, nil
}

// roleOf looks the peer up in the roster. Peers outside it only observe.
func roleOf(cfg *config.Config, peer protocol.PeerID) protocol.Role {
	for _, m := range cfg.Members() {
		if m.ID == peer {
			return m.Role
		}
	}
	return protocol.RoleObserver
}

// startDiscovery announces the transport addresses on the LAN and dials
// every peer that announces itself. The returned Discover must be closed.
func startDiscovery(ctx context.Context, cfg *config.Config, id *protocol.Identity, g *network.Gossip, logger *slog.Logger) (*discovery.Discover, error) {
	a := discovery.Announcement{Role: roleOf(cfg, id.ID()), Addrs: g.Addrs()}
	if err := a.Sign(id); err != nil {
		return nil, err
	}
	d := &discovery.Discover{
		Announcement:                 a,
		Group:                        cfg.Discovery.Group,
		IntervalBetweenAnnouncements: cfg.Discovery.Interval,
		Logger:                       logger,
	}
	if err := d.Start(); err != nil {
		return nil, err
	}
	go func() {
		known := make(map[protocol.PeerID]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-d.Entries:
				peer := e.Announcement.Peer
				if known[peer] {
					continue
				}
				if err := g.Connect(ctx, e.Announcement.Addrs); err != nil {
					logger.Debug("discovered peer unreachable", "peer", peer.Short(), "err", err)
					continue
				}
				known[peer] = true
				logger.Info("joined peer", "peer", peer.Short(), "role", e.Announcement.Role)
			}
		}
	}()
	return d, nil
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "err", err)
		}
	}()
}
