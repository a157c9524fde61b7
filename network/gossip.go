package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/luca-patrignani/mental-craps/protocol"
)

// GossipConfig configures the libp2p transport.
type GossipConfig struct {
	ListenAddrs []string
	Topic       string
	// Seed is the ed25519 seed of the node identity; the libp2p host uses
	// the same key as the protocol.
	Seed   []byte
	Logger *slog.Logger
}

// Gossip is a Transport over a libp2p host and one GossipSub topic.
type Gossip struct {
	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	out    chan Message
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGossip starts the host, joins the topic and begins reading from it.
func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	if len(cfg.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes", ed25519.SeedSize)
	}
	priv, err := crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(cfg.Seed))
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithMaxMessageSize(protocol.MaxFrameSize),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to join topic %s: %w", cfg.Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g := &Gossip{
		host:   h,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		out:    make(chan Message, DefaultInbox),
		log:    logger,
		cancel: cancel,
	}
	g.wg.Add(1)
	go g.read(runCtx)
	return g, nil
}

func (g *Gossip) read(ctx context.Context) {
	defer g.wg.Done()
	defer close(g.out)
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				g.log.Warn("gossip subscription ended", "err", err)
			}
			return
		}
		if msg.GetFrom() == g.host.ID() {
			continue
		}
		select {
		case g.out <- Message{From: msg.GetFrom().String(), Data: msg.Data}:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gossip) Broadcast(ctx context.Context, data []byte) error {
	return g.topic.Publish(ctx, data)
}

func (g *Gossip) Messages() <-chan Message { return g.out }

// Addrs returns the full multiaddrs of the host, /p2p/<id> included.
func (g *Gossip) Addrs() []string {
	info := peer.AddrInfo{ID: g.host.ID(), Addrs: g.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// Connect dials every address that parses; it returns the joined errors.
func (g *Gossip) Connect(ctx context.Context, addrs []string) error {
	var errs []error
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", s, err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", s, err))
			continue
		}
		if info.ID == g.host.ID() {
			continue
		}
		if err := g.host.Connect(ctx, *info); err != nil {
			errs = append(errs, fmt.Errorf("connect %s: %w", info.ID, err))
			continue
		}
		g.log.Debug("connected to peer", "peer", info.ID.String())
	}
	return errors.Join(errs...)
}

// Peers counts the peers currently in the topic mesh.
func (g *Gossip) Peers() int { return len(g.topic.ListPeers()) }

func (g *Gossip) Close() error {
	g.sub.Cancel()
	g.cancel()
	g.wg.Wait()
	return g.host.Close()
}
