package dialqueue

import (
	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
)

// Target is what a caller passes to Dial: a PeerId, an explicit address
// list, or both (spec section 4.1, "Normalize target").
type Target struct {
	Peer      peer.ID
	Addresses []address.Address
}

// normalizeTarget extracts the (possibly empty) peer ID and address list,
// verifying that any embedded peer identities on the explicit addresses
// agree with each other and, if supplied, with Target.Peer.
func normalizeTarget(t Target) (peer.ID, []address.Address, error) {
	p := t.Peer
	for _, a := range t.Addresses {
		if a.Peer == "" {
			continue
		}
		if p == "" {
			p = a.Peer
			continue
		}
		if p != a.Peer {
			return "", nil, network.NewError(network.KindInvalidParameters,
				"addresses carry conflicting embedded peer identities", nil)
		}
	}
	return p, t.Addresses, nil
}
