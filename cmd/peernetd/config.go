package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/chainkeeper/peernet/peer"
	"github.com/chainkeeper/peernet/wire"
)

const (
	defaultDataDir = "data"
	defaultLogDir  = "logs"

	defaultHandshakeTimeout       = 10 * time.Second
	defaultReconnectDelay         = 30 * time.Second
	defaultBootstrapPeersPeriod   = 1 * time.Minute
	defaultPeerMaxCount           = 64
	defaultBanWindow              = 24 * time.Hour
	defaultMaxSendPeers           = 16
	defaultPeerExpirationDuration = 14 * 24 * time.Hour
	defaultInboundAcceptRate      = 5.0
	defaultInboundAcceptBurst     = 10
)

// bootNode is the config-file/flag shape of a boot node entry: a hex pubkey
// and a dial address, parsed into a peer.Info by resolveBootNodes.
type bootNode struct {
	PubKey string `long:"pubkey" description:"hex-encoded compressed pubkey of the boot node"`
	Addr   string `long:"addr" description:"host:port of the boot node"`
}

// config mirrors spec.md §6's NetworkConfig, following the teacher's
// go-flags struct-tag convention used throughout the pack's daemon/cmd
// entrypoints.
type config struct {
	DataDir string `long:"datadir" description:"directory to store the peer database and logs in"`
	LogDir  string `long:"logdir" description:"directory to store log files in"`

	SecretKey string `long:"secret_key" description:"hex-encoded private key for this node's identity; generated and persisted on first run if empty"`
	AccountID string `long:"account_id" description:"validator identity to advertise to peers"`

	Addr string `long:"addr" description:"listener address; if empty, inbound connections are disabled"`

	ControlAddr string `long:"control_addr" description:"local admin HTTP listener address for peernetcli; if empty, the control server is disabled"`

	BootNodes []bootNode `group:"bootnode" long:"bootnode"`

	DNSSeedDomain string `long:"dns_seed_domain" description:"domain to resolve A records from for peer discovery"`
	DNSSeedPort   int    `long:"dns_seed_port" description:"port to pair with dns_seed_domain results"`

	HandshakeTimeout       time.Duration `long:"handshake_timeout"`
	ReconnectDelay         time.Duration `long:"reconnect_delay" description:"advisory only; the control loop does not read this directly"`
	BootstrapPeersPeriod   time.Duration `long:"bootstrap_peers_period"`
	PeerMaxCount           int           `long:"peer_max_count"`
	BanWindow              time.Duration `long:"ban_window"`
	MaxSendPeers           int           `long:"max_send_peers"`
	PeerExpirationDuration time.Duration `long:"peer_expiration_duration"`

	InboundAcceptRate  float64 `long:"inbound_accept_rate" description:"sustained inbound connections accepted per second"`
	InboundAcceptBurst int     `long:"inbound_accept_burst"`
}

// defaultConfig returns a config with every field set to its default.
func defaultConfig() config {
	return config{
		DataDir:                defaultDataDir,
		LogDir:                 defaultLogDir,
		HandshakeTimeout:       defaultHandshakeTimeout,
		ReconnectDelay:         defaultReconnectDelay,
		BootstrapPeersPeriod:   defaultBootstrapPeersPeriod,
		PeerMaxCount:           defaultPeerMaxCount,
		BanWindow:              defaultBanWindow,
		MaxSendPeers:           defaultMaxSendPeers,
		PeerExpirationDuration: defaultPeerExpirationDuration,
		InboundAcceptRate:      defaultInboundAcceptRate,
		InboundAcceptBurst:     defaultInboundAcceptBurst,
	}
}

// loadConfig parses command-line flags over the defaults and ensures the
// data directory exists, per lnd.go's loadConfig/loadedConfig split.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data directory: %w", err)
	}

	return &cfg, nil
}

// identity loads or generates this node's long-term identity key, writing
// a freshly generated one back to key.dat inside DataDir so restarts reuse
// the same peer.ID.
func (c *config) identity() (*btcec.PrivateKey, error) {
	if c.SecretKey != "" {
		raw, err := hex.DecodeString(c.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("invalid secret_key: %w", err)
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	keyPath := filepath.Join(c.DataDir, "key.dat")
	if raw, err := os.ReadFile(keyPath); err == nil {
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, priv.Serialize(), 0600); err != nil {
		return nil, fmt.Errorf("unable to persist identity key: %w", err)
	}
	return priv, nil
}

// resolveBootNodes parses the config's boot node entries into peer.Info,
// skipping (and logging) any entry with an unparseable key or address
// rather than failing startup over one bad line.
func resolveBootNodes(entries []bootNode) []peer.Info {
	infos := make([]peer.Info, 0, len(entries))
	for _, e := range entries {
		raw, err := hex.DecodeString(e.PubKey)
		if err != nil {
			ltndLog.Errorf("boot node with invalid pubkey %q skipped: %v", e.PubKey, err)
			continue
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			ltndLog.Errorf("boot node with unparseable pubkey %q skipped: %v", e.PubKey, err)
			continue
		}

		addr, err := net.ResolveTCPAddr("tcp", e.Addr)
		if err != nil {
			ltndLog.Errorf("boot node with invalid addr %q skipped: %v", e.Addr, err)
			continue
		}

		infos = append(infos, peer.Info{
			ID:   peer.IDFromPubKey(pub),
			Addr: addr,
		})
	}
	return infos
}

// selfIdentity builds the wire.PeerIdentity this node presents during every
// handshake, from its long-term key and advertised address.
func selfIdentity(priv *btcec.PrivateKey, advertiseAddr string, accountID string) wire.PeerIdentity {
	var addr *net.TCPAddr
	if advertiseAddr != "" {
		if a, err := net.ResolveTCPAddr("tcp", advertiseAddr); err == nil {
			addr = a
		}
	}
	return wire.PeerIdentity{
		PubKey:    priv.PubKey(),
		Addr:      addr,
		AccountID: accountID,
	}
}
