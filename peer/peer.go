// Package peer defines the identity and chain-state types shared by the
// peer store, peer sessions, and the peer manager. It holds no behavior of
// its own: it is the vocabulary the rest of the module is written in.
package peer

import (
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ID is a peer's stable, globally unique identity, derived from the
// compressed serialization of its long-term public key. It is comparable
// so concurrent, symmetric connection attempts can be broken
// deterministically (see Less).
type ID [33]byte

// IDFromPubKey derives an ID from a peer's long-term identity key.
func IDFromPubKey(pub *btcec.PublicKey) ID {
	var id ID
	copy(id[:], pub.SerializeCompressed())
	return id
}

// String returns the hex encoding of the id, truncated for log brevity.
func (id ID) String() string {
	return hex.EncodeToString(id[:])[:16]
}

// Less reports whether id sorts strictly before other under the
// lexicographic total order used to break simultaneous-connect races.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether id is the zero value (no identity key set).
func (id ID) IsZero() bool {
	return id == ID{}
}

// AccountID is the human-readable validator identity a peer may claim
// during handshake.
type AccountID string

// Info is everything the manager knows about a peer's reachability and
// claimed identity, independent of whether it is currently connected.
type Info struct {
	ID ID

	// Addr is absent when the peer's handshake or gossip entry carried no
	// listen address.
	Addr *net.TCPAddr

	// AccountID is present only when the peer has claimed a validator
	// identity, in its handshake or in a gossip entry about it.
	AccountID AccountID
}

// HasAddr reports whether this peer has a known, dialable address.
func (i Info) HasAddr() bool {
	return i.Addr != nil
}

// HasAccount reports whether this peer has claimed a validator identity.
func (i Info) HasAccount() bool {
	return i.AccountID != ""
}

// ChainInfo is a peer's self-reported view of the chain, refreshed over
// the life of a session.
type ChainInfo struct {
	GenesisHash chainhash.Hash
	HeadHash    chainhash.Hash
	TotalWeight uint64
	Height      uint64
}

// FullInfo is the triple required to treat a peer as active: its identity,
// address, and most recently reported chain state.
type FullInfo struct {
	PeerInfo  Info
	ChainInfo ChainInfo
}

// Status is the tagged variant recording a known peer's connection state.
type Status uint8

const (
	// StatusUnknown is assigned to peers learned only by gossip hint.
	StatusUnknown Status = iota
	// StatusNotConnected is assigned to boot nodes and to any peer whose
	// connection has ended, including right after a process restart.
	StatusNotConnected
	// StatusConnected is assigned only while a session is in the active set.
	StatusConnected
	// StatusBanned is assigned after a BanPeer request, until ban_window
	// elapses.
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusNotConnected:
		return "not_connected"
	case StatusConnected:
		return "connected"
	case StatusBanned:
		return "banned"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// State is the persisted unit stored for every known peer.
type State struct {
	PeerInfo Info
	Status   Status

	// BanReason and BannedSince are only meaningful when Status is
	// StatusBanned; they round-trip through persistence so an auto-unban
	// sweep can recompute dwell time after a restart.
	BanReason   string
	BannedSince time.Time

	FirstSeen time.Time
	LastSeen  time.Time
}

// Banned reports whether the state currently carries a ban.
func (s State) Banned() bool {
	return s.Status == StatusBanned
}
