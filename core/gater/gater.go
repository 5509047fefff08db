// Package gater describes the connection gater: a set of optional policy
// hooks consulted at well-defined points in the dial and upgrade pipelines.
// Every hook returns true to mean "deny". A nil ConnectionGater is treated
// as "never deny".
package gater

import (
	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
)

// ConnectionGater exposes the deny-predicates consulted by the dial queue
// and the upgrader. Every method must be implemented; embedding Null
// supplies "never deny" for the hooks an implementation does not override.
type ConnectionGater interface {
	// DenyDialPeer is checked before address calculation begins.
	DenyDialPeer(p peer.ID) bool
	// DenyDialMultiaddr is checked per candidate address after
	// resolution, filtering, and dedup.
	DenyDialMultiaddr(p peer.ID, addr address.Address) bool
	// DenyInboundConnection is checked before the upgrade of an accepted
	// raw connection begins.
	DenyInboundConnection() bool
	// DenyOutboundConnection is checked before the upgrade of an outbound
	// raw connection begins, when a peer ID is already known.
	DenyOutboundConnection(p peer.ID, addr address.Address) bool
	// DenyInboundEncryptedConnection is checked right after the Encrypt
	// phase, inbound side.
	DenyInboundEncryptedConnection(p peer.ID) bool
	// DenyOutboundEncryptedConnection is checked right after the Encrypt
	// phase, outbound side.
	DenyOutboundEncryptedConnection(p peer.ID) bool
	// DenyInboundUpgradedConnection is checked after the Multiplex phase,
	// inbound side.
	DenyInboundUpgradedConnection(p peer.ID, addr address.Address) bool
	// DenyOutboundUpgradedConnection is checked after the Multiplex
	// phase, outbound side.
	DenyOutboundUpgradedConnection(p peer.ID, addr address.Address) bool
}

// Null is a ConnectionGater that never denies anything; embed it in test
// fakes that only want to override one or two hooks.
type Null struct{}

func (Null) DenyDialPeer(peer.ID) bool                                  { return false }
func (Null) DenyDialMultiaddr(peer.ID, address.Address) bool            { return false }
func (Null) DenyInboundConnection() bool                                { return false }
func (Null) DenyOutboundConnection(peer.ID, address.Address) bool       { return false }
func (Null) DenyInboundEncryptedConnection(peer.ID) bool                { return false }
func (Null) DenyOutboundEncryptedConnection(peer.ID) bool               { return false }
func (Null) DenyInboundUpgradedConnection(peer.ID, address.Address) bool  { return false }
func (Null) DenyOutboundUpgradedConnection(peer.ID, address.Address) bool { return false }

var _ ConnectionGater = Null{}

// Phase names the gater checkpoint, used only for logging/diagnostics.
type Phase string

const (
	PhaseDialPeer             Phase = "dial-peer"
	PhaseDialMultiaddr        Phase = "dial-multiaddr"
	PhaseInbound              Phase = "inbound"
	PhaseOutbound             Phase = "outbound"
	PhaseInboundEncrypted     Phase = "inbound-encrypted"
	PhaseOutboundEncrypted    Phase = "outbound-encrypted"
	PhaseInboundUpgraded      Phase = "inbound-upgraded"
	PhaseOutboundUpgraded     Phase = "outbound-upgraded"
)

// KindForPhase maps a gater checkpoint to the error Kind it produces on
// deny, per section 4.2's phase table.
func KindForPhase(ph Phase) network.Kind {
	switch ph {
	case PhaseDialPeer:
		return network.KindPeerDialIntercepted
	case PhaseDialMultiaddr:
		return network.KindPeerDialIntercepted
	case PhaseInbound, PhaseOutbound:
		return network.KindConnectionDenied
	case PhaseInboundEncrypted, PhaseOutboundEncrypted:
		return network.KindConnectionIntercepted
	case PhaseInboundUpgraded, PhaseOutboundUpgraded:
		return network.KindConnectionIntercepted
	default:
		return network.KindConnectionDenied
	}
}
