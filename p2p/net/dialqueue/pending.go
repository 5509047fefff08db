package dialqueue

import (
	"strings"
	"sync"

	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/google/uuid"
)

// dialStatus is PendingDial.status (spec section 3, DATA MODEL).
type dialStatus int

const (
	statusQueued dialStatus = iota
	statusActive
	statusSuccess
	statusError
)

func (s dialStatus) String() string {
	switch s {
	case statusQueued:
		return "queued"
	case statusActive:
		return "active"
	case statusSuccess:
		return "success"
	case statusError:
		return "error"
	default:
		return "unknown"
	}
}

// pendingDial is the in-flight record matched against for deduplication
// (invariant 1) and shared by every caller that joins it.
type pendingDial struct {
	id         string
	peer       peer.ID
	addrs      []address.Address
	addrKey    string
	status     dialStatus
	done       chan struct{}
	conn       network.Connection
	err        error

	activateOnce sync.Once
}

// newPendingDial builds a fresh record with a random id (section 4.1 step 4).
func newPendingDial(p peer.ID, addrs []address.Address) *pendingDial {
	return &pendingDial{
		id:      uuid.NewString(),
		peer:    p,
		addrs:   addrs,
		addrKey: addrKeyFor(addrs),
		status:  statusQueued,
		done:    make(chan struct{}),
	}
}

// addrKeyFor builds the comparison key for "identical ordered set of
// candidate address strings" (spec section 4.1 step 4): the addresses'
// string forms, in order, joined by a separator that cannot appear inside
// a single multiaddr string.
func addrKeyFor(addrs []address.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, "\x00")
}

// matches reports whether a new request with (p, addrs) should join this
// pending dial: same non-empty PeerId, or an identical ordered address set
// (invariant 1).
func (pd *pendingDial) matches(p peer.ID, addrs []address.Address) bool {
	if p != "" && pd.peer != "" && p == pd.peer {
		return true
	}
	return addrKeyFor(addrs) == pd.addrKey
}

// finish records the terminal outcome and wakes every waiter exactly once.
func (pd *pendingDial) finish(conn network.Connection, err error) {
	if err != nil {
		pd.status = statusError
		pd.err = err
	} else {
		pd.status = statusSuccess
		pd.conn = conn
	}
	close(pd.done)
}
