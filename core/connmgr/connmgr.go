// Package connmgr describes the narrow slice of the connection manager
// contract the upgrader depends on: a terminal-exit hook for inbound
// upgrades. The rest of connection-manager policy (trimming, tagging,
// grace periods) lives outside this runtime's scope.
package connmgr

import (
	"github.com/ferrolabs/go-p2p-transport/core/network"
)

// ConnectionManager is notified once an inbound upgrade attempt has run to
// completion (success or failure), regardless of outcome.
type ConnectionManager interface {
	// AfterUpgradeInbound is called exactly once per inbound upgrade
	// attempt, after the state machine exits Live or aborts. conn is nil
	// on failure.
	AfterUpgradeInbound(conn network.Connection, err error)
}

// Null is a ConnectionManager that ignores every notification.
type Null struct{}

func (Null) AfterUpgradeInbound(network.Connection, error) {}

var _ ConnectionManager = Null{}
