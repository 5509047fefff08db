// Package upgrader drives a raw byte transport through private-network
// protection, cryptographic identity exchange, and stream multiplexer
// negotiation, producing a live Connection (spec section 4.2).
package upgrader

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ferrolabs/go-p2p-transport/core/connmgr"
	"github.com/ferrolabs/go-p2p-transport/core/gater"
	"github.com/ferrolabs/go-p2p-transport/core/muxer"
	"github.com/ferrolabs/go-p2p-transport/core/negotiate"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/ferrolabs/go-p2p-transport/core/peerstore"
	"github.com/ferrolabs/go-p2p-transport/core/pnet"
	"github.com/ferrolabs/go-p2p-transport/core/registrar"
	"github.com/ferrolabs/go-p2p-transport/core/sec"
	"github.com/ferrolabs/go-p2p-transport/core/transport"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("upgrader")

// DefaultInboundUpgradeTimeout bounds Accepted -> Live for an inbound
// upgrade when Config.InboundUpgradeTimeout is zero.
const DefaultInboundUpgradeTimeout = 30 * time.Second

// DefaultNewStreamTimeout applies to NewStream when the caller's context
// carries no deadline (spec section 4.2, "newStream" step 3).
const DefaultNewStreamTimeout = 30 * time.Second

// Config enumerates the Upgrader's collaborators (spec section 4.2,
// "Configuration").
type Config struct {
	Encrypters            *sec.Registry
	Muxers                *muxer.Registry
	Protector             pnet.ConnectionProtector
	Gater                 gater.ConnectionGater
	Registrar             registrar.Registrar
	PeerStore             peerstore.PeerStore
	ConnManager           connmgr.ConnectionManager
	Negotiator            negotiate.Negotiator
	InboundUpgradeTimeout time.Duration
	Notifiee              network.Notifiee
	Clock                 clock.Clock
}

// Options carries the per-call knobs from the public contract (spec
// section 4.2, "Options").
type Options struct {
	SkipProtection bool
	SkipEncryption bool
	MuxerFactory   muxer.StreamMuxerFactory
	Transient      bool
	// ExpectedPeer is the remote identity an outbound upgrade expects;
	// when empty, the peer id embedded in the remote address is used. An
	// outbound upgrade with SkipEncryption fails with INVALID_PEER when
	// neither is set. Inbound upgrades ignore ExpectedPeer and take the
	// remote identity from the address.
	ExpectedPeer peer.ID
}

// Upgrader is the public contract's implementation: upgradeInbound and
// upgradeOutbound.
type Upgrader struct {
	cfg       Config
	localPeer peer.ID
}

// New builds an Upgrader. Unset Config fields fall back to permissive
// defaults (no gater denial, no protection, default timeout).
func New(cfg Config, localPeer peer.ID) *Upgrader {
	if cfg.InboundUpgradeTimeout <= 0 {
		cfg.InboundUpgradeTimeout = DefaultInboundUpgradeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Negotiator == nil {
		cfg.Negotiator = negotiate.Multistream{}
	}
	return &Upgrader{cfg: cfg, localPeer: localPeer}
}

// UpgradeInbound implements the inbound state machine: Accepted ->
// GaterInbound -> Protected -> Encrypted -> GaterPostEncryption -> Muxed ->
// GaterPostUpgrade -> Live.
func (u *Upgrader) UpgradeInbound(ctx context.Context, raw transport.RawConn, opts Options) (conn network.Connection, err error) {
	ctx, cancel, timedOut := u.withTimeout(ctx)
	defer cancel()

	defer func() {
		if u.cfg.ConnManager != nil {
			u.cfg.ConnManager.AfterUpgradeInbound(conn, err)
		}
	}()

	// If the inbound timeout fired, the terminal error is whatever phase
	// was mid-flight when its ctx.Done() unblocked (ENCRYPTION_FAILED,
	// MUXER_UNAVAILABLE, ...); rewrite it to TIMEOUT so the timeout is
	// observable regardless of which phase it interrupted (spec section
	// 4.2, "on expiry, abort the raw connection with TIMEOUT").
	defer func() {
		if err != nil && timedOut.Load() {
			err = rewriteTimeout(err)
		}
	}()

	if u.cfg.Gater != nil && u.cfg.Gater.DenyInboundConnection() {
		raw.Abort(nil)
		return nil, network.NewError(gater.KindForPhase(gater.PhaseInbound), "gater denied inbound connection", nil)
	}

	protected, err := u.protect(raw, opts)
	if err != nil {
		raw.Abort(err)
		return nil, err
	}

	remote, protocol, securedStream, err := u.encryptInbound(ctx, protected, raw, opts)
	if err != nil {
		raw.Abort(err)
		return nil, err
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyInboundEncryptedConnection(remote) {
		raw.Abort(nil)
		return nil, network.NewError(gater.KindForPhase(gater.PhaseInboundEncrypted), "gater denied inbound connection after encryption", nil)
	}

	muxProto, muxFactory, muxStream, err := u.negotiateMuxer(ctx, securedStream, opts, false)
	if err != nil {
		raw.Abort(err)
		return nil, err
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyInboundUpgradedConnection(remote, raw.RemoteAddr()) {
		raw.Abort(nil)
		return nil, network.NewError(gater.KindForPhase(gater.PhaseInboundUpgraded), "gater denied inbound connection after upgrade", nil)
	}

	c, err := newConnection(connParams{
		raw:          raw,
		direction:    network.DirInbound,
		remotePeer:   remote,
		encryption:   protocol,
		transient:    opts.Transient,
		muxFactory:   muxFactory,
		muxProtocol:  muxProto,
		muxUnderlying: muxStream,
		upgrader:     u,
	})
	if err != nil {
		raw.Abort(err)
		return nil, err
	}
	return c, nil
}

// UpgradeOutbound implements the outbound state machine: GaterPre (if
// PeerId known) -> Protected -> Encrypted -> GaterPostEncryption -> Muxed ->
// GaterPostUpgrade -> Live. There is no fixed overall timeout: the dial
// timeout upstream (DialQueue) already bounds it.
func (u *Upgrader) UpgradeOutbound(ctx context.Context, raw transport.RawConn, opts Options) (network.Connection, error) {
	remoteAddr := raw.RemoteAddr()
	knownPeer := opts.ExpectedPeer
	if knownPeer == "" {
		knownPeer = transport.PeerForRawConn(raw)
	}

	if knownPeer != "" && u.cfg.Gater != nil && u.cfg.Gater.DenyOutboundConnection(knownPeer, remoteAddr) {
		raw.Close()
		return nil, network.NewError(gater.KindForPhase(gater.PhaseOutbound), "gater denied outbound connection", nil)
	}

	protected, err := u.protect(raw, opts)
	if err != nil {
		raw.Close()
		return nil, err
	}

	remote, protocol, securedStream, err := u.encryptOutbound(ctx, protected, raw, opts, knownPeer)
	if err != nil {
		raw.Close()
		return nil, err
	}

	if !peer.MatchesEmbedded(remote, remoteAddr.Peer) {
		raw.Close()
		return nil, network.NewError(network.KindInvalidPeer, "handshake peer does not match the address's embedded peer id", nil)
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyOutboundEncryptedConnection(remote) {
		raw.Close()
		return nil, network.NewError(gater.KindForPhase(gater.PhaseOutboundEncrypted), "gater denied outbound connection after encryption", nil)
	}

	muxProto, muxFactory, muxStream, err := u.negotiateMuxer(ctx, securedStream, opts, true)
	if err != nil {
		raw.Close()
		return nil, err
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyOutboundUpgradedConnection(remote, remoteAddr) {
		raw.Close()
		return nil, network.NewError(gater.KindForPhase(gater.PhaseOutboundUpgraded), "gater denied outbound connection after upgrade", nil)
	}

	return newConnection(connParams{
		raw:           raw,
		direction:     network.DirOutbound,
		remotePeer:    remote,
		encryption:    protocol,
		transient:     opts.Transient,
		muxFactory:    muxFactory,
		muxProtocol:   muxProto,
		muxUnderlying: muxStream,
		upgrader:      u,
	})
}

// protect runs the Protect phase: wraps raw with the configured protector
// unless skipped or absent.
func (u *Upgrader) protect(raw transport.RawConn, opts Options) (io.ReadWriteCloser, error) {
	if opts.SkipProtection || u.cfg.Protector == nil {
		return raw, nil
	}
	out, err := u.cfg.Protector.Protect(raw)
	if err != nil {
		return nil, network.NewError(network.KindConnectionDenied, "private network protection failed", err)
	}
	return out, nil
}

// encryptInbound runs the Encrypt phase, responder side.
func (u *Upgrader) encryptInbound(ctx context.Context, stream io.ReadWriteCloser, raw transport.RawConn, opts Options) (peer.ID, string, io.ReadWriteCloser, error) {
	if opts.SkipEncryption {
		remote := transport.PeerForRawConn(raw)
		if remote == "" {
			return "", "", nil, network.NewError(network.KindInvalidMultiaddr, "skipEncryption requires a peer id embedded in the remote address", nil)
		}
		return remote, network.NativeProtocol, stream, nil
	}
	if u.cfg.Encrypters == nil || u.cfg.Encrypters.Len() == 0 {
		return "", "", nil, network.NewError(network.KindEncryptionFailed, "no encrypters configured", nil)
	}
	negotiated, err := u.cfg.Negotiator.Handle(stream, u.cfg.Encrypters.Protocols())
	if err != nil {
		return "", "", nil, network.NewError(network.KindEncryptionFailed, "encrypter negotiation failed", err)
	}
	enc, ok := u.cfg.Encrypters.Get(negotiated.Protocol)
	if !ok {
		return "", "", nil, network.NewError(network.KindEncryptionFailed, "negotiated an unregistered encrypter", nil)
	}
	sc, err := enc.SecureInbound(ctx, u.localPeer, negotiated.Stream)
	if err != nil {
		return "", "", nil, network.NewError(network.KindEncryptionFailed, "inbound handshake failed", err)
	}
	return sc.RemotePeer, negotiated.Protocol, sc.Conn, nil
}

// encryptOutbound runs the Encrypt phase, initiator side.
func (u *Upgrader) encryptOutbound(ctx context.Context, stream io.ReadWriteCloser, raw transport.RawConn, opts Options, expectedPeer peer.ID) (peer.ID, string, io.ReadWriteCloser, error) {
	if opts.SkipEncryption {
		if expectedPeer == "" {
			return "", "", nil, network.NewError(network.KindInvalidPeer, "skipEncryption requires a known remote peer id", nil)
		}
		return expectedPeer, network.NativeProtocol, stream, nil
	}
	if u.cfg.Encrypters == nil || u.cfg.Encrypters.Len() == 0 {
		return "", "", nil, network.NewError(network.KindEncryptionFailed, "no encrypters configured", nil)
	}
	negotiated, err := u.cfg.Negotiator.Select(stream, u.cfg.Encrypters.Protocols())
	if err != nil {
		return "", "", nil, network.NewError(network.KindEncryptionFailed, "encrypter negotiation failed", err)
	}
	enc, ok := u.cfg.Encrypters.Get(negotiated.Protocol)
	if !ok {
		return "", "", nil, network.NewError(network.KindEncryptionFailed, "negotiated an unregistered encrypter", nil)
	}
	sc, err := enc.SecureOutbound(ctx, u.localPeer, negotiated.Stream, expectedPeer)
	if err != nil {
		return "", "", nil, network.NewError(network.KindEncryptionFailed, "outbound handshake failed", err)
	}
	return sc.RemotePeer, negotiated.Protocol, sc.Conn, nil
}

// negotiateMuxer runs the Multiplex phase. A forced factory bypasses
// negotiation entirely; no configured muxers leaves the Connection
// unmultiplexed (invariant 2), which is not itself an error at this layer.
func (u *Upgrader) negotiateMuxer(ctx context.Context, stream io.ReadWriteCloser, opts Options, initiator bool) (string, muxer.StreamMuxerFactory, io.ReadWriteCloser, error) {
	if opts.MuxerFactory != nil {
		return opts.MuxerFactory.Protocol(), opts.MuxerFactory, stream, nil
	}
	if u.cfg.Muxers == nil || u.cfg.Muxers.Len() == 0 {
		return "", nil, stream, nil
	}
	var negotiated negotiate.Result
	var err error
	if initiator {
		negotiated, err = u.cfg.Negotiator.Select(stream, u.cfg.Muxers.Protocols())
	} else {
		negotiated, err = u.cfg.Negotiator.Handle(stream, u.cfg.Muxers.Protocols())
	}
	if err != nil {
		return "", nil, nil, network.NewError(network.KindMuxerUnavailable, "muxer negotiation failed", err)
	}
	factory, ok := u.cfg.Muxers.Get(negotiated.Protocol)
	if !ok {
		return "", nil, nil, network.NewError(network.KindMuxerUnavailable, "negotiated an unregistered muxer", nil)
	}
	return negotiated.Protocol, factory, negotiated.Stream, nil
}

// withTimeout derives a context bounded by the inbound upgrade timeout,
// using the configured clock so tests can control it deterministically.
// The returned *atomic.Bool is set to true iff the timer (rather than the
// caller's own ctx) is what fired, so the caller can tell a TIMEOUT apart
// from an ordinary upstream cancellation.
func (u *Upgrader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc, *atomic.Bool) {
	derived, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := u.cfg.Clock.Timer(u.cfg.InboundUpgradeTimeout)
	stop := make(chan struct{})
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			timedOut.Store(true)
			cancel()
		case <-stop:
		}
	}()
	return derived, func() {
		close(stop)
		cancel()
	}, &timedOut
}

// rewriteTimeout replaces err's Kind with KindTimeout, preserving it as the
// wrapped cause, mirroring dialqueue.rewriteTimeout (spec section 7).
func rewriteTimeout(err error) error {
	if kind, ok := network.KindOf(err); ok && kind == network.KindTimeout {
		return err
	}
	return network.NewError(network.KindTimeout, err.Error(), err)
}
