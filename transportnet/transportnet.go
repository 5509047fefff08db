// Package transportnet is the top-level wiring that closes the dial queue
// and the upgrader into one runnable unit. Neither core/ nor p2p/net/*
// knows the other exists: dialqueue.DialQueue depends only on the narrow
// dialqueue.OutboundUpgradeFunc closure, and upgrader.Upgrader never
// imports dialqueue at all. This package is the one place that builds the
// closure and owns the listeners, the same division the teacher keeps
// between its wiring layer and p2p/net/swarm.
package transportnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/gater"
	"github.com/ferrolabs/go-p2p-transport/core/muxer"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/negotiate"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/ferrolabs/go-p2p-transport/core/peerstore"
	"github.com/ferrolabs/go-p2p-transport/core/pnet"
	"github.com/ferrolabs/go-p2p-transport/core/registrar"
	"github.com/ferrolabs/go-p2p-transport/core/sec"
	"github.com/ferrolabs/go-p2p-transport/core/transport"
	"github.com/ferrolabs/go-p2p-transport/p2p/net/dialqueue"
	"github.com/ferrolabs/go-p2p-transport/p2p/net/upgrader"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("transportnet")

// ListenableDriver is an optional extension of transport.Driver: a driver
// that can also accept inbound raw connections implements it. transport.Driver
// itself stays accept-free, since dialing and listening are independently
// optional for any given driver (spec section 6 scopes transport drivers out
// entirely; this is the minimal seam a real driver needs to plug into a
// Listener without widening that contract for every driver).
type ListenableDriver interface {
	transport.Driver

	// Listen starts accepting raw connections on addr and returns an
	// upgrader.AcceptSource that yields them one at a time.
	Listen(ctx context.Context, addr address.Address) (upgrader.AcceptSource, error)
}

// Config bundles every collaborator needed to build a Node. Transports is
// required; everything else may be left zero, matching dialqueue.Config and
// upgrader.Config's own permissive defaults.
type Config struct {
	LocalPeer  peer.ID
	Transports *transport.Registry

	Gater     gater.ConnectionGater
	PeerStore peerstore.PeerStore
	Clock     clock.Clock

	// Dial mirrors dialqueue.Config.
	Dial dialqueue.Config

	// Encrypters, Muxers, Protector, Registrar, Negotiator, and
	// InboundUpgradeTimeout mirror their upgrader.Config counterparts.
	Encrypters            *sec.Registry
	Muxers                *muxer.Registry
	Protector             pnet.ConnectionProtector
	Registrar             registrar.Registrar
	Negotiator            negotiate.Negotiator
	InboundUpgradeTimeout time.Duration // zero uses upgrader.DefaultInboundUpgradeTimeout
	Notifiee              network.Notifiee
}

// Node owns one DialQueue and one Upgrader and every Listener built on top
// of them. It is the thing a caller actually constructs; DialQueue and
// Upgrader remain reachable for callers that want direct access to either
// contract.
type Node struct {
	DialQueue *dialqueue.DialQueue
	Upgrader  *upgrader.Upgrader

	mu        sync.Mutex
	listeners []*upgrader.Listener
}

// New builds the Upgrader, wraps it in the OutboundUpgradeFunc closure
// dialqueue.Config expects, and builds the DialQueue on top of it (spec
// section 2, "data flows": dial request -> DialQueue -> transport driver ->
// Upgrader.upgradeOutbound -> Connection).
func New(cfg Config) *Node {
	up := upgrader.New(upgrader.Config{
		Encrypters:            cfg.Encrypters,
		Muxers:                cfg.Muxers,
		Protector:             cfg.Protector,
		Gater:                 cfg.Gater,
		Registrar:             cfg.Registrar,
		PeerStore:             cfg.PeerStore,
		Negotiator:            cfg.Negotiator,
		InboundUpgradeTimeout: cfg.InboundUpgradeTimeout,
		Notifiee:              cfg.Notifiee,
		Clock:                 cfg.Clock,
	}, cfg.LocalPeer)

	upgradeOutbound := func(ctx context.Context, raw transport.RawConn, expectedPeer peer.ID) (network.Connection, error) {
		return up.UpgradeOutbound(ctx, raw, upgrader.Options{ExpectedPeer: expectedPeer})
	}

	dq := dialqueue.New(cfg.Dial, cfg.LocalPeer, cfg.Transports, cfg.Gater, cfg.PeerStore, upgradeOutbound, cfg.Clock)

	return &Node{DialQueue: dq, Upgrader: up}
}

// Dial is a thin pass-through to the underlying DialQueue, kept here so
// callers that never need direct queue access can hold just a *Node.
func (n *Node) Dial(ctx context.Context, target dialqueue.Target, opts dialqueue.DialOptions) (network.Connection, error) {
	return n.DialQueue.Dial(ctx, target, opts)
}

// Listen registers drv's accept source with a new upgrader.Listener so
// inbound raw connections on addr are upgraded the same way outbound ones
// are. queueLen <= 0 uses upgrader.DefaultAcceptQueueLength.
func (n *Node) Listen(ctx context.Context, drv ListenableDriver, addr address.Address, opts upgrader.Options, queueLen int) (*upgrader.Listener, error) {
	source, err := drv.Listen(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("transportnet: listen on %s: %w", addr.String(), err)
	}

	l := upgrader.NewListener(source, n.Upgrader, opts, queueLen)

	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()

	log.Infow("listening", "addr", addr.String())
	return l, nil
}

// Close stops the dial queue and every listener registered through Listen.
// It is safe to call more than once.
func (n *Node) Close() error {
	n.DialQueue.Stop()

	n.mu.Lock()
	listeners := n.listeners
	n.listeners = nil
	n.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("transportnet: %d listener(s) failed to close: %v", len(errs), errs)
}
