package peerstore

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger. It defaults to a no-op sink
// so peerstore is usable (and testable) without a daemon wiring a real
// backend, matching the UseLogger convention used throughout the
// btcsuite/lnd family.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
