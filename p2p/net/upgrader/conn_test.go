package upgrader

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/muxer"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/ferrolabs/go-p2p-transport/core/registrar"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.New(s)
	require.NoError(t, err)
	return a
}

func mustPeer(t *testing.T, seed byte) peer.ID {
	t.Helper()
	id, err := peer.FromPublicKeyBytes([]byte{seed, seed, seed, seed})
	require.NoError(t, err)
	return id
}

func newTestUpgrader(t *testing.T, reg registrar.Registrar, notifiee network.Notifiee) *Upgrader {
	t.Helper()
	return New(Config{
		Registrar: reg,
		Notifiee:  notifiee,
		Clock:     clock.New(),
	}, mustPeer(t, 0))
}

func newTestConnection(t *testing.T, muxFactory muxer.StreamMuxerFactory, reg registrar.Registrar) (*Connection, *fakeRawConn) {
	t.Helper()
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	u := newTestUpgrader(t, reg, nil)
	c, err := newConnection(connParams{
		raw:        raw,
		direction:  network.DirInbound,
		remotePeer: mustPeer(t, 1),
		encryption: "test-enc",
		muxFactory: muxFactory,
		upgrader:   u,
	})
	require.NoError(t, err)
	return c, raw
}

func TestNewStreamWithoutMuxerFails(t *testing.T) {
	c, _ := newTestConnection(t, nil, nil)
	_, err := c.NewStream(context.Background(), []string{"proto"})
	require.Error(t, err)
	kind, ok := network.KindOf(err)
	require.True(t, ok)
	require.Equal(t, network.KindConnectionNotMultiplexed, kind)
}

func TestInboundStreamCapIsExact(t *testing.T) {
	factory := &fakeMuxerFactory{protocol: "test-mux"}
	reg := registrar.NewMap()
	reg.SetHandler("/echo/1.0.0", registrar.Registration{
		Handler: func(network.Stream) {},
		Options: registrar.HandlerOptions{MaxInboundStreams: 2},
	})

	c, _ := newTestConnection(t, factory, reg)
	mx := factory.last()
	require.NotNil(t, mx)

	// newTestUpgrader leaves Negotiator unset; swap in a fake that always
	// picks "/echo/1.0.0" so onIncomingStream's negotiation succeeds.
	c.u.cfg.Negotiator = &fakeNegotiator{}

	// onIncomingStream runs synchronously inside deliver's call chain (only
	// the admitted handler dispatch is backgrounded), so the cap is already
	// settled by the time deliver returns.
	mx.deliver()
	mx.deliver()
	mx.deliver()

	c.mu.Lock()
	key := streamKey{protocol: "/echo/1.0.0", direction: network.DirInbound}
	got := c.streamCaps[key]
	c.mu.Unlock()
	require.Equal(t, 2, got)
}

func TestOutboundStreamCapIsAtLeast(t *testing.T) {
	factory := &fakeMuxerFactory{protocol: "test-mux"}
	reg := registrar.NewMap()
	reg.SetHandler("/echo/1.0.0", registrar.Registration{
		Handler: func(network.Stream) {},
		Options: registrar.HandlerOptions{MaxOutboundStreams: 2},
	})

	c, _ := newTestConnection(t, factory, reg)
	c.u.cfg.Negotiator = &fakeNegotiator{}

	ctx := context.Background()
	_, err := c.NewStream(ctx, []string{"/echo/1.0.0"})
	require.NoError(t, err)
	_, err = c.NewStream(ctx, []string{"/echo/1.0.0"})
	require.NoError(t, err)
	_, err = c.NewStream(ctx, []string{"/echo/1.0.0"})
	require.Error(t, err)
	kind, ok := network.KindOf(err)
	require.True(t, ok)
	require.Equal(t, network.KindTooManyOutboundProtocolStreams, kind)
}

func TestCloseFiresNotifieeExactlyOnce(t *testing.T) {
	factory := &fakeMuxerFactory{protocol: "test-mux"}
	notifiee := &fakeNotifiee{}
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	u := newTestUpgrader(t, nil, notifiee)
	remote := mustPeer(t, 1)
	c, err := newConnection(connParams{
		raw:        raw,
		direction:  network.DirInbound,
		remotePeer: remote,
		muxFactory: factory,
		upgrader:   u,
	})
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	require.Equal(t, network.StatusClosed, c.Status())

	events := notifiee.log()
	require.Equal(t, []string{"open:" + string(remote), "close:" + string(remote)}, events)
}

func TestAbortPropagatesThroughRawOnClose(t *testing.T) {
	notifiee := &fakeNotifiee{}
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	u := newTestUpgrader(t, nil, notifiee)
	remote := mustPeer(t, 1)
	c, err := newConnection(connParams{
		raw:        raw,
		direction:  network.DirOutbound,
		remotePeer: remote,
		upgrader:   u,
	})
	require.NoError(t, err)

	require.NoError(t, c.Abort(nil))
	require.True(t, raw.isClosed())
	require.Equal(t, []string{"open:" + string(remote), "close:" + string(remote)}, notifiee.log())

	// An unsolicited raw close firing afterward (e.g. the transport driver's
	// own OnClose callback) must not fire the notifiee a second time.
	raw.Abort(nil)
	require.Equal(t, []string{"open:" + string(remote), "close:" + string(remote)}, notifiee.log())
}

func TestUnsolicitedRawCloseMarksConnectionClosed(t *testing.T) {
	notifiee := &fakeNotifiee{}
	raw := &fakeRawConn{addr: mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}
	u := newTestUpgrader(t, nil, notifiee)
	c, err := newConnection(connParams{
		raw:        raw,
		direction:  network.DirInbound,
		remotePeer: mustPeer(t, 1),
		upgrader:   u,
	})
	require.NoError(t, err)
	require.Equal(t, network.StatusOpen, c.Status())

	raw.Abort(nil)

	require.Eventually(t, func() bool {
		return c.Status() == network.StatusClosed
	}, time.Second, time.Millisecond)
}
