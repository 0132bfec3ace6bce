package main

import (
	"golang.org/x/time/rate"

	"github.com/chainkeeper/peernet/peer"
	"github.com/chainkeeper/peernet/wire"
)

// peerAccountID converts a possibly-empty config string into a
// peer.AccountID, a distinct type so the manager never confuses it with
// any other string-keyed identifier.
func peerAccountID(s string) peer.AccountID {
	return peer.AccountID(s)
}

// rateLimit converts the config's float64 accept rate (connections/sec)
// into the limiter type the manager expects. A non-positive value means
// "no configured limit"; daemon operators get unlimited accepts rather
// than a silently stalled listener.
func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// noChainInfo is the default ChainInfo callback until this daemon is wired
// to an actual blockchain client collaborator (spec.md §1 scopes that
// integration out of the peer connection manager itself).
func noChainInfo() peer.ChainInfo {
	return peer.ChainInfo{}
}

// logClientMessage is the default OnClientMessage callback: it logs any
// chain-payload message the manager doesn't interpret itself, standing in
// for the real blockchain client collaborator spec.md §6 describes.
func logClientMessage(from peer.ID, msg wire.Message) {
	ltndLog.Debugf("received %v from %v (no client collaborator wired)",
		msg.Type(), from)
}
