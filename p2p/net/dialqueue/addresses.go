package dialqueue

import (
	"context"

	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/ferrolabs/go-p2p-transport/core/transport"
)

// AddressSorter imposes a total order over candidate addresses; the order
// it produces is the dial-attempt priority (spec section 4.1 step 3, last
// bullet).
type AddressSorter func(addrs []address.Address) []address.Address

// calculateMultiaddrs implements spec section 4.1 step 3 end to end:
// self-dial and gater short-circuits, peer-store lookup, resolution,
// transport/identity filtering, dedup, peer-id stamping, the second gater
// pass, and sorting.
func (q *DialQueue) calculateMultiaddrs(ctx context.Context, p peer.ID, explicit []address.Address) ([]address.Address, error) {
	if p != "" && p == q.localPeer {
		return nil, network.NewError(network.KindDialedSelf, "refusing to dial local peer", nil)
	}

	if q.gater != nil && p != "" && q.gater.DenyDialPeer(p) {
		return nil, network.NewError(network.KindPeerDialIntercepted, "gater denied dial to peer", nil)
	}

	candidates := explicit
	if len(candidates) == 0 && p != "" && q.peerStore != nil {
		if rec, ok := q.peerStore.Get(p); ok {
			candidates = append(candidates, rec.Addrs...)
		}
		// Absence in the peer store is tolerated: candidates stays empty
		// and the caller simply ends up with NO_VALID_ADDRESSES below.
	}

	resolved, err := q.resolveAll(ctx, candidates)
	if err != nil {
		return nil, err
	}

	filtered := make([]address.Address, 0, len(resolved))
	for _, a := range resolved {
		if q.transports != nil && q.transports.TransportForMultiaddr(a) == nil {
			continue
		}
		if a.Peer != "" && p != "" && a.Peer != p {
			continue
		}
		filtered = append(filtered, a)
	}

	filtered = address.Dedup(filtered)

	if len(filtered) == 0 {
		return nil, network.NewError(network.KindNoValidAddresses, "no dialable addresses for peer", nil)
	}
	if q.cfg.MaxPeerAddrsToDial > 0 && len(filtered) > q.cfg.MaxPeerAddrsToDial {
		return nil, network.NewError(network.KindTooManyAddresses, "peer advertises more addresses than the configured cap", nil)
	}

	if p != "" {
		for i, a := range filtered {
			filtered[i] = a.WithPeer(p)
		}
	}

	survivors := filtered[:0:0]
	for _, a := range filtered {
		if q.gater != nil && q.gater.DenyDialMultiaddr(p, a) {
			continue
		}
		survivors = append(survivors, a)
	}
	if len(survivors) == 0 {
		return nil, network.NewError(network.KindNoValidAddresses, "gater denied every candidate address", nil)
	}

	if q.cfg.AddressSorter != nil {
		survivors = q.cfg.AddressSorter(survivors)
	}
	return survivors, nil
}

// resolveAll expands every candidate through the resolver registered for
// its multiaddr scheme, if any, passing through addresses with no
// registered resolver unchanged. Resolution is 1:N (spec step 3, resolver
// bullet).
func (q *DialQueue) resolveAll(ctx context.Context, addrs []address.Address) ([]address.Address, error) {
	if len(q.cfg.Resolvers) == 0 {
		return addrs, nil
	}
	out := make([]address.Address, 0, len(addrs))
	for _, a := range addrs {
		scheme := addressScheme(a)
		resolver, ok := q.cfg.Resolvers[scheme]
		if !ok {
			out = append(out, a)
			continue
		}
		expanded, err := resolveOne(ctx, resolver, a)
		if err != nil {
			// A single resolver failure doesn't fail the whole dial: the
			// address just doesn't contribute candidates.
			continue
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// resolveOne bounds a single resolver call at transport.DefaultResolveTimeout
// so one slow or hung resolver can't consume the whole dial's aggregate
// budget; the caller's own deadline, if tighter, still wins.
func resolveOne(ctx context.Context, r transport.Resolver, a address.Address) ([]address.Address, error) {
	rctx, cancel := context.WithTimeout(ctx, transport.DefaultResolveTimeout)
	defer cancel()
	return r.Resolve(rctx, a)
}

// addressScheme extracts the scheme name used to look up a registered
// Resolver: the name of the address's first protocol (e.g. "dns4",
// "dnsaddr", but also "ip4" or "ip6"). Only an address with no multiaddr
// or no protocols yields the empty scheme.
func addressScheme(a address.Address) string {
	if a.Multiaddr == nil {
		return ""
	}
	protos := a.Multiaddr.Protocols()
	if len(protos) == 0 {
		return ""
	}
	return protos[0].Name
}
