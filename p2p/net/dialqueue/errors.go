package dialqueue

import (
	"fmt"
	"strings"

	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"go.uber.org/multierr"
)

// candidateError pairs a dial failure with the address it happened on, so
// that the aggregate error can report per-candidate detail.
type candidateError struct {
	Addr address.Address
	Err  error
}

// DialError is the error surfaced by Dial when more than one candidate was
// attempted and all of them failed. When exactly one candidate was
// attempted, Dial unwraps and returns that candidate's error directly (see
// spec section 4.1 step 5 and section 7).
type DialError struct {
	Peer    string
	Causes  []candidateError
	wrapped error
}

func (e *DialError) Error() string {
	if len(e.Causes) == 1 {
		return fmt.Sprintf("dial %s: %s", e.Peer, e.Causes[0].Err)
	}
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %s", c.Addr.String(), c.Err))
	}
	return fmt.Sprintf("dial %s failed on %d candidate(s): %s", e.Peer, len(e.Causes), strings.Join(parts, "; "))
}

func (e *DialError) Unwrap() error {
	if e.wrapped != nil {
		return e.wrapped
	}
	all := make([]error, len(e.Causes))
	for i, c := range e.Causes {
		all[i] = c.Err
	}
	return multierr.Combine(all...)
}

func (e *DialError) recordErr(addr address.Address, err error) {
	e.Causes = append(e.Causes, candidateError{Addr: addr, Err: err})
}

// finalize turns the accumulated per-candidate errors into the value Dial
// should return: the single unwrapped error when only one candidate was
// attempted, otherwise the aggregate itself.
func (e *DialError) finalize() error {
	switch len(e.Causes) {
	case 0:
		return network.NewError(network.KindNoValidAddresses, "no candidates were attempted", nil)
	case 1:
		return e.Causes[0].Err
	default:
		return e
	}
}

// rewriteTimeout replaces the terminal error's Kind with KindTimeout when
// the aggregate signal aborted because the dial-timeout timer (rather than
// the caller or shutdown) fired (spec section 7).
func rewriteTimeout(err error) error {
	if err == nil {
		return nil
	}
	if kind, ok := network.KindOf(err); ok && kind == network.KindTimeout {
		return err
	}
	if de, ok := err.(*DialError); ok {
		return network.NewError(network.KindTimeout, de.Error(), de)
	}
	return network.NewError(network.KindTimeout, err.Error(), err)
}
