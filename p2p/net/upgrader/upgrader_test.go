package upgrader

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ferrolabs/go-p2p-transport/core/muxer"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/ferrolabs/go-p2p-transport/core/sec"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEncrypterRegistry(t *testing.T) *sec.Registry {
	t.Helper()
	reg := sec.NewRegistry()
	reg.Add(&fakeEncrypter{protocol: "test-enc", remotePeer: mustPeer(t, 1)})
	return reg
}

func newMuxerRegistry(t *testing.T) (*muxer.Registry, *fakeMuxerFactory) {
	t.Helper()
	factory := &fakeMuxerFactory{protocol: "test-mux"}
	reg := muxer.NewRegistry()
	reg.Add(factory)
	return reg, factory
}

func TestUpgradeInboundHappyPath(t *testing.T) {
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	encrypters := newEncrypterRegistry(t)
	muxers, _ := newMuxerRegistry(t)
	notifiee := &fakeNotifiee{}

	u := New(Config{
		Encrypters: encrypters,
		Muxers:     muxers,
		Negotiator: &fakeNegotiator{},
		Notifiee:   notifiee,
		Clock:      clock.New(),
	}, mustPeer(t, 0))

	conn, err := u.UpgradeInbound(context.Background(), raw, Options{})
	require.NoError(t, err)
	require.Equal(t, network.DirInbound, conn.Direction())
	require.Equal(t, mustPeer(t, 1), conn.RemotePeer())
	require.Equal(t, "test-mux", conn.Multiplexer())
	require.Equal(t, []string{"open:" + string(mustPeer(t, 1))}, notifiee.log())
}

func TestUpgradeOutboundHappyPath(t *testing.T) {
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	encrypters := newEncrypterRegistry(t)
	muxers, _ := newMuxerRegistry(t)

	u := New(Config{
		Encrypters: encrypters,
		Muxers:     muxers,
		Negotiator: &fakeNegotiator{},
		Clock:      clock.New(),
	}, mustPeer(t, 0))

	conn, err := u.UpgradeOutbound(context.Background(), raw, Options{ExpectedPeer: mustPeer(t, 1)})
	require.NoError(t, err)
	require.Equal(t, network.DirOutbound, conn.Direction())
	require.Equal(t, mustPeer(t, 1), conn.RemotePeer())
}

func TestUpgradeNoMuxerConfiguredIsNotAnError(t *testing.T) {
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	encrypters := newEncrypterRegistry(t)

	u := New(Config{
		Encrypters: encrypters,
		Negotiator: &fakeNegotiator{},
		Clock:      clock.New(),
	}, mustPeer(t, 0))

	conn, err := u.UpgradeInbound(context.Background(), raw, Options{})
	require.NoError(t, err)
	require.Equal(t, "", conn.Multiplexer())
}

func TestUpgradeInboundGaterDeniesAtInboundPhase(t *testing.T) {
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	negotiator := &fakeNegotiator{}
	u := New(Config{
		Encrypters: newEncrypterRegistry(t),
		Negotiator: negotiator,
		Gater:      &fakeGater{denyInboundConnection: true},
		Clock:      clock.New(),
	}, mustPeer(t, 0))

	_, err := u.UpgradeInbound(context.Background(), raw, Options{})
	require.Error(t, err)
	kind, ok := network.KindOf(err)
	require.True(t, ok)
	require.Equal(t, network.KindConnectionDenied, kind)
	require.Equal(t, 0, negotiator.callCount())
	require.True(t, raw.isClosed())
}

func TestUpgradeInboundGaterDeniesAfterEncryption(t *testing.T) {
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	remote := mustPeer(t, 1)
	muxers, _ := newMuxerRegistry(t)
	u := New(Config{
		Encrypters: newEncrypterRegistry(t),
		Muxers:     muxers,
		Negotiator: &fakeNegotiator{},
		Gater: &fakeGater{denyInboundEncryptedConnectionFn: func(p peer.ID) bool {
			return p == remote
		}},
		Clock: clock.New(),
	}, mustPeer(t, 0))

	_, err := u.UpgradeInbound(context.Background(), raw, Options{})
	require.Error(t, err)
	kind, ok := network.KindOf(err)
	require.True(t, ok)
	require.Equal(t, network.KindConnectionIntercepted, kind)
	require.True(t, raw.isClosed())
}

func TestUpgradeInboundGaterDeniesAfterMultiplex(t *testing.T) {
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	remote := mustPeer(t, 1)
	muxers, _ := newMuxerRegistry(t)
	u := New(Config{
		Encrypters: newEncrypterRegistry(t),
		Muxers:     muxers,
		Negotiator: &fakeNegotiator{},
		Gater: &fakeGater{denyInboundUpgradedConnectionFn: func(p peer.ID) bool {
			return p == remote
		}},
		Clock: clock.New(),
	}, mustPeer(t, 0))

	_, err := u.UpgradeInbound(context.Background(), raw, Options{})
	require.Error(t, err)
	kind, ok := network.KindOf(err)
	require.True(t, ok)
	require.Equal(t, network.KindConnectionIntercepted, kind)
}

func TestUpgradeOutboundGaterDeniesBeforeDialing(t *testing.T) {
	remote := mustPeer(t, 1)
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	u := New(Config{
		Encrypters: newEncrypterRegistry(t),
		Negotiator: &fakeNegotiator{},
		Gater: &fakeGater{denyOutboundConnectionFn: func(p peer.ID) bool {
			return p == remote
		}},
		Clock: clock.New(),
	}, mustPeer(t, 0))

	_, err := u.UpgradeOutbound(context.Background(), raw, Options{ExpectedPeer: remote})
	require.Error(t, err)
	kind, ok := network.KindOf(err)
	require.True(t, ok)
	require.Equal(t, network.KindConnectionDenied, kind)
}

func TestUpgradeSkipEncryptionUsesNativeProtocol(t *testing.T) {
	remote := mustPeer(t, 1)
	addr := mustAddr(t, "/ip4/127.0.0.1/tcp/4001").WithPeer(remote)
	raw := &fakeRawConn{addr: addr}
	u := New(Config{
		Negotiator: &fakeNegotiator{},
		Clock:      clock.New(),
	}, mustPeer(t, 0))

	conn, err := u.UpgradeInbound(context.Background(), raw, Options{SkipEncryption: true})
	require.NoError(t, err)
	require.Equal(t, network.NativeProtocol, conn.Encryption())
	require.Equal(t, remote, conn.RemotePeer())
}

func TestUpgradeSkipEncryptionOutboundRequiresExpectedPeer(t *testing.T) {
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	u := New(Config{
		Negotiator: &fakeNegotiator{},
		Clock:      clock.New(),
	}, mustPeer(t, 0))

	_, err := u.UpgradeOutbound(context.Background(), raw, Options{SkipEncryption: true})
	require.Error(t, err)
	kind, ok := network.KindOf(err)
	require.True(t, ok)
	require.Equal(t, network.KindInvalidPeer, kind)
}

func TestUpgradeInboundTimesOut(t *testing.T) {
	mockClock := clock.NewMock()
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	enc := &blockingEncrypter{protocol: "test-enc", started: make(chan struct{})}
	reg := sec.NewRegistry()
	reg.Add(enc)
	u := New(Config{
		Encrypters:            reg,
		Negotiator:            &fakeNegotiator{},
		Clock:                 mockClock,
		InboundUpgradeTimeout: 50 * time.Millisecond,
	}, mustPeer(t, 0))

	errCh := make(chan error, 1)
	go func() {
		_, err := u.UpgradeInbound(context.Background(), raw, Options{})
		errCh <- err
	}()

	select {
	case <-enc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound handshake never started")
	}
	mockClock.Add(50 * time.Millisecond)

	select {
	case err := <-errCh:
		require.Error(t, err)
		kind, ok := network.KindOf(err)
		require.True(t, ok)
		require.Equal(t, network.KindTimeout, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound upgrade never timed out")
	}
}
