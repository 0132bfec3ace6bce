package manager

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/chainkeeper/peernet/peer"
	"github.com/chainkeeper/peernet/session"
	"github.com/chainkeeper/peernet/wire"
)

func genIdentity(t *testing.T) (wire.PeerIdentity, peer.ID) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ident := wire.PeerIdentity{PubKey: priv.PubKey()}
	return ident, peer.IDFromPubKey(priv.PubKey())
}

// newTestManager builds a Manager with its run loop started but no
// listener and no DNS seeding, so tests drive sessions directly.
func newTestManager(t *testing.T, selfIdentity wire.PeerIdentity) *Manager {
	t.Helper()

	cfg := Config{
		SelfIdentity:           selfIdentity,
		DBPath:                 t.TempDir(),
		HandshakeTimeout:       2 * time.Second,
		BootstrapPeersPeriod:   time.Hour,
		PeerMaxCount:           32,
		BanWindow:              time.Hour,
		MaxSendPeers:           8,
		PeerExpirationDuration: 7 * 24 * time.Hour,
		InboundAcceptRate:      rate.Inf,
		InboundAcceptBurst:     1,
		ChainInfo:              func() peer.ChainInfo { return peer.ChainInfo{} },
	}

	m, err := New(cfg, nil, nil)
	require.NoError(t, err)

	go m.run()
	t.Cleanup(func() {
		close(m.quit)
	})

	return m
}

// remoteHandshake drives the non-Session end of a net.Pipe connection:
// it answers the Session's handshake with its own, then returns.
func remoteHandshake(t *testing.T, conn net.Conn, identity wire.PeerIdentity, chain peer.ChainInfo) {
	t.Helper()

	msg, err := wire.Read(conn)
	require.NoError(t, err)
	_, ok := msg.(*wire.Handshake)
	require.True(t, ok)

	err = wire.Write(conn, &wire.Handshake{
		Identity:    identity,
		GenesisHash: chain.GenesisHash,
		HeadHash:    chain.HeadHash,
		TotalWeight: chain.TotalWeight,
		Height:      chain.Height,
	})
	require.NoError(t, err)
}

func connectSession(t *testing.T, m *Manager, inbound bool, remoteIdentity wire.PeerIdentity,
	remoteChain peer.ChainInfo) (*session.Session, net.Conn, error) {

	t.Helper()
	return connectSessionExpecting(t, m, inbound, remoteIdentity, remoteChain, nil)
}

func connectSessionExpecting(t *testing.T, m *Manager, inbound bool, remoteIdentity wire.PeerIdentity,
	remoteChain peer.ChainInfo, expected *peer.Info) (*session.Session, net.Conn, error) {

	t.Helper()
	local, remote := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		remoteHandshake(t, remote, remoteIdentity, remoteChain)
	}()

	sess := session.New(local, inbound, m, m.cfg.SelfIdentity, m.cfg.ChainInfo,
		m.inboundMsgs, expected, m.cfg.HandshakeTimeout)
	err := sess.Start()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("remote handshake goroutine never finished")
	}

	return sess, remote, err
}

func TestConsolidateAddsToActiveSet(t *testing.T) {
	selfIdentity, _ := genIdentity(t)
	m := newTestManager(t, selfIdentity)

	remoteIdentity, remoteID := genIdentity(t)
	sess, remote, err := connectSession(t, m, true, remoteIdentity, peer.ChainInfo{TotalWeight: 5})
	defer remote.Close()
	require.NoError(t, err)
	require.Equal(t, session.StateReady, sess.State())

	info := m.FetchInfo()
	require.Equal(t, 1, info.NumActive)

	require.Len(t, info.MostWeightPeers, 1)
	require.Equal(t, remoteID, info.MostWeightPeers[0].PeerInfo.ID)
}

func TestSimultaneousConnectTieBreak(t *testing.T) {
	selfIdentity, selfID := genIdentity(t)
	m := newTestManager(t, selfIdentity)

	remoteIdentity, remoteID := genIdentity(t)

	// Simulate our own outbound dial to remoteID already in flight.
	m.sendRequestSync(func() { m.outgoing[remoteID] = struct{}{} })

	_, remote, err := connectSession(t, m, true, remoteIdentity, peer.ChainInfo{})
	defer remote.Close()

	if remoteID.Less(selfID) {
		require.NoError(t, err, "lower id should win the simultaneous-connect race")
	} else {
		require.Error(t, err, "higher id should lose the simultaneous-connect race")
	}
}

func TestBanPeerRemovesFromActiveAndHealthy(t *testing.T) {
	selfIdentity, _ := genIdentity(t)
	m := newTestManager(t, selfIdentity)

	remoteIdentity, remoteID := genIdentity(t)
	_, remote, err := connectSession(t, m, true, remoteIdentity, peer.ChainInfo{})
	defer remote.Close()
	require.NoError(t, err)

	m.BanPeer(remoteID, "malicious")

	info := m.FetchInfo()
	require.Equal(t, 0, info.NumActive)

	m.sendRequestSync(func() {
		for _, st := range m.store.Healthy(0) {
			require.NotEqual(t, remoteID, st.PeerInfo.ID)
		}
	})
}

func TestOutboundIdentityMismatchReleasesReservation(t *testing.T) {
	selfIdentity, _ := genIdentity(t)
	m := newTestManager(t, selfIdentity)

	// The manager believes it dialed expectedID, but the handshake on
	// the other end reports a different identity entirely.
	_, expectedID := genIdentity(t)
	remoteIdentity, remoteID := genIdentity(t)
	require.NotEqual(t, expectedID, remoteID)

	expected := &peer.Info{ID: expectedID}
	m.sendRequestSync(func() { m.outgoing[expectedID] = struct{}{} })

	_, remote, err := connectSessionExpecting(t, m, false, remoteIdentity, peer.ChainInfo{}, expected)
	defer remote.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "different identity")

	m.sendRequestSync(func() {
		_, stillReserved := m.outgoing[expectedID]
		require.False(t, stillReserved, "mismatched dial must release its outgoing reservation")
	})
}

func TestPeersResponseHygieneFiltersSelfAndAdds(t *testing.T) {
	selfIdentity, selfID := genIdentity(t)
	m := newTestManager(t, selfIdentity)

	other1, other1ID := genIdentity(t)
	other2, _ := genIdentity(t)

	resp := &wire.PeersResponse{
		Peers: []wire.PeerIdentity{
			{PubKey: selfIdentity.PubKey},
			other1,
			other2,
		},
	}
	m.handlePeersResponse(peer.ID{}, resp)

	require.Eventually(t, func() bool {
		_, ok := m.store.Lookup(other1ID)
		return ok
	}, time.Second, 10*time.Millisecond)

	_, ok := m.store.Lookup(selfID)
	require.False(t, ok, "manager must not add its own id as a known peer")
}

// sendRequestSync runs fn inside the run loop and blocks until it has,
// giving tests a race-free way to inspect or mutate manager-owned state
// without reaching past the mailbox.
func (m *Manager) sendRequestSync(fn func()) {
	done := make(chan struct{})
	m.sendRequest(&syncMsg{fn: fn, done: done})
	<-done
}

type syncMsg struct {
	fn   func()
	done chan struct{}
}

func (s *syncMsg) run() {
	s.fn()
	close(s.done)
}
