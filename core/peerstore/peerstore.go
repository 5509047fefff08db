// Package peerstore describes the persistent mapping from peer identity to
// known addresses and metadata. The persistent implementation is out of
// scope for this runtime; PeerStore is specified here only as the contract
// the dial queue and upgrader read and write best-effort.
package peerstore

import (
	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
)

// PeerRecord is the subset of stored information the dial queue and
// upgrader need.
type PeerRecord struct {
	Addrs     []address.Address
	Protocols []string
	Metadata  map[string][]byte
}

// LastDialFailureKey is the metadata key the dial queue writes on a failed
// dial, with the value being the decimal-digit UTF-8 encoding of a Unix
// millisecond timestamp (see spec section 9, "Open questions").
const LastDialFailureKey = "last-dial-failure"

// PeerStore is the contract for reading and updating peer records.
type PeerStore interface {
	// Get returns the known record for p. Absence is reported via ok=false,
	// not an error: callers must tolerate it (see DialQueue step 3).
	Get(p peer.ID) (PeerRecord, bool)
	// Patch best-effort merges metadata into the record for p, creating
	// one if absent. Failures must be logged by the caller and must never
	// fail the primary operation.
	Patch(p peer.ID, metadata map[string][]byte) error
	// Merge best-effort merges protocols into the record for p (set
	// union), creating one if absent.
	Merge(p peer.ID, protocols []string) error
}
