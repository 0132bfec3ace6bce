package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/chainkeeper/peernet/manager"
	"github.com/chainkeeper/peernet/peerstore"
	"github.com/chainkeeper/peernet/session"
)

// logWriter fans every write out to stdout and to the rotating log file,
// the same dual-sink pattern the teacher's own log.go uses.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

var (
	backendLog = btclog.NewBackend(os.Stdout)

	ltndLog = backendLog.Logger("PNTD")
)

func init() {
	setSubLoggers(backendLog)
}

// initLogRotator opens (creating if necessary) the rotating log file at
// logFile and points every package's subsystem logger at a backend that
// writes to both it and stdout.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("unable to create log rotator: %w", err)
	}

	backendLog = btclog.NewBackend(&logWriter{rotator: r})
	ltndLog = backendLog.Logger("PNTD")

	setSubLoggers(backendLog)

	return nil
}

// setSubLoggers points every package's UseLogger hook at a subsystem logger
// drawn from backend, mirroring the teacher's setLogLevels fan-out in
// lnd's log.go.
func setSubLoggers(backend *btclog.Backend) {
	peerstore.UseLogger(backend.Logger("STOR"))
	session.UseLogger(backend.Logger("SESS"))
	manager.UseLogger(backend.Logger("MNGR"))
}

// setLogLevel parses a btclog level name and applies it to every subsystem
// logger this daemon owns.
func setLogLevel(levelStr string) {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return
	}

	ltndLog.SetLevel(level)
	for tag, use := range map[string]func(btclog.Logger){
		"STOR": peerstore.UseLogger,
		"SESS": session.UseLogger,
		"MNGR": manager.UseLogger,
	} {
		logger := backendLog.Logger(tag)
		logger.SetLevel(level)
		use(logger)
	}
}
