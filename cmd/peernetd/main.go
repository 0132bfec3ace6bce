// Command peernetd runs the peer connection manager as a standalone
// daemon: it loads its identity and network configuration, opens the
// durable peer store, and starts accepting and dialing connections until
// told to stop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainkeeper/peernet/manager"
)

// peernetdMain is the true entry point; kept separate from main so defers
// registered here still run before os.Exit, per the teacher's
// lndMain/main split.
func peernetdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFile := filepath.Join(cfg.DataDir, cfg.LogDir, "peernetd.log")
	if err := initLogRotator(logFile); err != nil {
		return err
	}

	ltndLog.Infof("peernetd starting, datadir=%v", cfg.DataDir)

	priv, err := cfg.identity()
	if err != nil {
		return fmt.Errorf("unable to load identity: %w", err)
	}

	mgrCfg := manager.Config{
		SelfIdentity:           selfIdentity(priv, cfg.Addr, cfg.AccountID),
		AccountID:              peerAccountID(cfg.AccountID),
		ListenAddr:             cfg.Addr,
		BootNodes:              resolveBootNodes(cfg.BootNodes),
		DBPath:                 filepath.Join(cfg.DataDir, "peers.db"),
		HandshakeTimeout:       cfg.HandshakeTimeout,
		ReconnectDelay:         cfg.ReconnectDelay,
		BootstrapPeersPeriod:   cfg.BootstrapPeersPeriod,
		PeerMaxCount:           cfg.PeerMaxCount,
		BanWindow:              cfg.BanWindow,
		MaxSendPeers:           cfg.MaxSendPeers,
		PeerExpirationDuration: cfg.PeerExpirationDuration,
		DNSSeedDomain:          cfg.DNSSeedDomain,
		DNSSeedPort:            cfg.DNSSeedPort,
		InboundAcceptRate:      rateLimit(cfg.InboundAcceptRate),
		InboundAcceptBurst:     cfg.InboundAcceptBurst,
		ChainInfo:              noChainInfo,
		OnClientMessage:        logClientMessage,
	}

	registry := prometheus.NewRegistry()
	metrics := manager.NewMetrics(registry)

	mgr, err := manager.New(mgrCfg, metrics, nil)
	if err != nil {
		return fmt.Errorf("unable to open peer manager: %w", err)
	}

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("unable to start peer manager: %w", err)
	}
	defer mgr.Stop()

	listenAndServeControl(cfg.ControlAddr, mgr, registry)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		ltndLog.Warnf("unable to notify systemd readiness: %v", err)
	} else if sent {
		ltndLog.Info("systemd notified of readiness")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	ltndLog.Info("shutdown signal received, stopping")
	return nil
}

func main() {
	if err := peernetdMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
