package session

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger, defaulting to a no-op sink.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
