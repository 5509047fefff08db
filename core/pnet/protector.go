// Package pnet describes the private-network protection contract applied
// as the first phase of the upgrade pipeline, when configured.
package pnet

import "io"

// ConnectionProtector wraps a raw connection to enforce membership in a
// private network (e.g. via a pre-shared key), rejecting peers that cannot
// prove membership. Concrete implementations are out of scope.
type ConnectionProtector interface {
	Protect(conn io.ReadWriteCloser) (io.ReadWriteCloser, error)
}
