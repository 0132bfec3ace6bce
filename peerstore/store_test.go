package peerstore

import (
	"math/rand"
	"net"
	"os"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/chainkeeper/peernet/peer"
)

func testID(t *testing.T) peer.ID {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("unable to generate key: %v", err)
	}
	return peer.IDFromPubKey(priv.PubKey())
}

func openTestStore(t *testing.T, boot []peer.Info) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "peerstore")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir, boot, nil)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestOpenUnionsBootNodes checks scenario 1 from spec.md §8: a cold start
// with boot nodes populates the store with NotConnected entries.
func TestOpenUnionsBootNodes(t *testing.T) {
	p1, p2 := testID(t), testID(t)
	boot := []peer.Info{
		{ID: p1, Addr: &net.TCPAddr{IP: net.ParseIP("1.1.1.1"), Port: 1}},
		{ID: p2, Addr: &net.TCPAddr{IP: net.ParseIP("2.2.2.2"), Port: 2}},
	}

	s := openTestStore(t, boot)

	if got := s.Len(); got != 2 {
		t.Fatalf("expected 2 known peers, got %d", got)
	}
	for _, id := range []peer.ID{p1, p2} {
		st, ok := s.Lookup(id)
		if !ok {
			t.Fatalf("boot node %v missing from store", id)
		}
		if st.Status != peer.StatusNotConnected {
			t.Fatalf("boot node %v has status %v, want NotConnected", id, st.Status)
		}
	}
}

// TestMarkConnectedThenDisconnectedRoundTrips checks spec.md §8's
// round-trip property: mark_connected then mark_disconnected leaves the
// entry present with NotConnected and a bumped LastSeen.
func TestMarkConnectedThenDisconnectedRoundTrips(t *testing.T) {
	s := openTestStore(t, nil)
	id := testID(t)

	full := peer.FullInfo{PeerInfo: peer.Info{ID: id}}
	s.MarkConnected(full)

	st, ok := s.Lookup(id)
	if !ok || st.Status != peer.StatusConnected {
		t.Fatalf("expected peer connected after MarkConnected, got %+v ok=%v", st, ok)
	}

	if err := s.MarkDisconnected(id); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}

	st, ok = s.Lookup(id)
	if !ok {
		t.Fatalf("peer disappeared after MarkDisconnected")
	}
	if st.Status != peer.StatusNotConnected {
		t.Fatalf("expected NotConnected after disconnect, got %v", st.Status)
	}
}

// TestBanThenUnbanYieldsNotConnected checks spec.md §8: ban(p) then
// unban(p) yields NotConnected, not Unknown.
func TestBanThenUnbanYieldsNotConnected(t *testing.T) {
	s := openTestStore(t, nil)
	id := testID(t)
	s.MarkConnected(peer.FullInfo{PeerInfo: peer.Info{ID: id}})

	if err := s.Ban(id, "malicious"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	st, _ := s.Lookup(id)
	if st.Status != peer.StatusBanned || st.BanReason != "malicious" {
		t.Fatalf("expected banned(malicious), got %+v", st)
	}

	if err := s.Unban(id); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	st, _ = s.Lookup(id)
	if st.Status != peer.StatusNotConnected {
		t.Fatalf("expected NotConnected after unban, got %v", st.Status)
	}
}

func TestUnknownPeerOperationsFail(t *testing.T) {
	s := openTestStore(t, nil)
	id := testID(t)

	if err := s.MarkDisconnected(id); err != ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := s.Ban(id, "x"); err != ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := s.Unban(id); err != ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

// TestAddPeersNeverOverwritesOrPersists checks spec.md §4.1: add_peers
// only inserts absent ids with status Unknown, never touches an existing
// entry, and never writes the new hint to the database.
func TestAddPeersNeverOverwritesOrPersists(t *testing.T) {
	s := openTestStore(t, nil)
	id := testID(t)
	s.MarkConnected(peer.FullInfo{PeerInfo: peer.Info{ID: id}})

	newID := testID(t)
	s.AddPeers([]peer.Info{{ID: id}, {ID: newID}})

	st, _ := s.Lookup(id)
	if st.Status != peer.StatusConnected {
		t.Fatalf("AddPeers overwrote existing connected entry: %+v", st)
	}

	st, ok := s.Lookup(newID)
	if !ok || st.Status != peer.StatusUnknown {
		t.Fatalf("expected new gossip hint in Unknown status, got %+v ok=%v", st, ok)
	}

	if err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(peersBucket).Get(newID[:]) != nil {
			t.Fatalf("AddPeers persisted gossip hint %v", newID)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestHealthyExcludesBanned checks spec.md §8's boundary: healthy(0)
// returns all non-banned peers.
func TestHealthyExcludesBanned(t *testing.T) {
	s := openTestStore(t, nil)
	a, b := testID(t), testID(t)
	s.MarkConnected(peer.FullInfo{PeerInfo: peer.Info{ID: a}})
	s.MarkConnected(peer.FullInfo{PeerInfo: peer.Info{ID: b}})
	if err := s.Ban(b, "spam"); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	healthy := s.Healthy(0)
	if len(healthy) != 1 || healthy[0].PeerInfo.ID != a {
		t.Fatalf("expected only %v in healthy set, got %+v", a, healthy)
	}
}

// TestHealthySeedIsDeterministic checks spec.md §9's randomness
// requirement: an explicit seed makes Healthy's sample reproducible
// across two independently opened stores over identical data.
func TestHealthySeedIsDeterministic(t *testing.T) {
	ids := make([]peer.ID, 10)
	for i := range ids {
		ids[i] = testID(t)
	}

	build := func(rng *rand.Rand) *Store {
		dir, err := os.MkdirTemp("", "peerstore")
		if err != nil {
			t.Fatalf("unable to create temp dir: %v", err)
		}
		t.Cleanup(func() { os.RemoveAll(dir) })

		s, err := Open(dir, nil, rng)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })

		for _, id := range ids {
			s.MarkConnected(peer.FullInfo{PeerInfo: peer.Info{ID: id}})
		}
		return s
	}

	s1 := build(rand.New(rand.NewSource(42)))
	s2 := build(rand.New(rand.NewSource(42)))

	h1, h2 := s1.Healthy(3), s2.Healthy(3)
	if len(h1) != len(h2) {
		t.Fatalf("sample sizes differ: %d vs %d", len(h1), len(h2))
	}
	for i := range h1 {
		if h1[i].PeerInfo.ID != h2[i].PeerInfo.ID {
			t.Fatalf("same-seed samples diverged at index %d", i)
		}
	}
}

// TestRemoveExpiredDropsStaleNonConnected checks scenario 4 from
// spec.md §8.
func TestRemoveExpiredDropsStaleNonConnected(t *testing.T) {
	s := openTestStore(t, nil)
	id := testID(t)
	s.AddPeers([]peer.Info{{ID: id}})

	s.mu.Lock()
	s.peers[id].LastSeen = time.Now().Add(-8 * 24 * time.Hour)
	s.mu.Unlock()

	s.RemoveExpired(7 * 24 * time.Hour)

	if _, ok := s.Lookup(id); ok {
		t.Fatalf("expected expired peer to be removed")
	}
}

// TestRemoveExpiredKeepsConnected ensures the invariant that connected
// peers are never expired regardless of LastSeen.
func TestRemoveExpiredKeepsConnected(t *testing.T) {
	s := openTestStore(t, nil)
	id := testID(t)
	s.MarkConnected(peer.FullInfo{PeerInfo: peer.Info{ID: id}})

	s.mu.Lock()
	s.peers[id].LastSeen = time.Now().Add(-30 * 24 * time.Hour)
	s.mu.Unlock()

	s.RemoveExpired(7 * 24 * time.Hour)

	if _, ok := s.Lookup(id); !ok {
		t.Fatalf("connected peer must never be expired")
	}
}

// TestOpenRestoresNotConnected checks the round-trip property: a second
// Open() over the same directory always re-coerces status to
// NotConnected, even if the first session recorded Connected.
func TestOpenRestoresNotConnected(t *testing.T) {
	dir, err := os.MkdirTemp("", "peerstore")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	id := testID(t)
	s, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.MarkConnected(peer.FullInfo{PeerInfo: peer.Info{ID: id}})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	st, ok := s2.Lookup(id)
	if !ok {
		t.Fatalf("peer lost across restart")
	}
	if st.Status != peer.StatusNotConnected {
		t.Fatalf("expected NotConnected after restart, got %v", st.Status)
	}
}
