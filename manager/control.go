package manager

import (
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/chainkeeper/peernet/peer"
	"github.com/chainkeeper/peernet/session"
	"github.com/chainkeeper/peernet/wire"
)

// controlTick runs the unban sweep, outbound bootstrap, and expiry steps
// of spec.md §4.4's control loop, in order. It is invoked once at Start
// and on every BootstrapPeersPeriod tick thereafter by run's select loop;
// that ticker is what reschedules it.
func (m *Manager) controlTick() {
	m.unbanSweep()
	m.outboundBootstrap()
	m.store.RemoveExpired(m.cfg.PeerExpirationDuration)
}

// unbanSweep transitions every peer that has served its ban window back
// to NotConnected.
func (m *Manager) unbanSweep() {
	now := time.Now()
	var toUnban []peer.ID

	m.store.Iter(func(id peer.ID, st peer.State) {
		if st.Status == peer.StatusBanned && now.Sub(st.BannedSince) > m.cfg.BanWindow {
			toUnban = append(toUnban, id)
		}
	})

	for _, id := range toUnban {
		if err := m.store.Unban(id); err != nil {
			log.Errorf("unban sweep: %v", err)
		}
	}
}

// outboundBootstrap enqueues at most one outbound dial per tick — the
// loop's natural rate limit against dial storms — or, if the known-peer
// pool is empty, asks the active set for more peers.
func (m *Manager) outboundBootstrap() {
	if len(m.active)+len(m.outgoing) >= m.cfg.PeerMaxCount {
		return
	}

	var candidates []peer.State
	for _, st := range m.store.Unconnected() {
		if st.PeerInfo.Addr == nil {
			continue
		}
		if _, reserved := m.outgoing[st.PeerInfo.ID]; reserved {
			continue
		}
		candidates = append(candidates, st)
	}

	if len(candidates) == 0 {
		m.broadcastMsg(&wire.PeersRequest{})
		return
	}

	// Unconnected returns peers in map order; sort so the pick depends
	// only on m.rng.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PeerInfo.ID.Less(candidates[j].PeerInfo.ID)
	})

	pick := candidates[m.rng.Intn(len(candidates))]
	m.outgoing[pick.PeerInfo.ID] = struct{}{}
	m.metrics.setOutgoing(len(m.outgoing))

	go m.dial(pick.PeerInfo)
}

// dial attempts a single outbound connection to info.Addr. A failure at
// this stage — before any session or handshake exists — intentionally
// leaves the outgoing reservation in place; spec.md §9 records this as a
// known limitation to preserve, not silently fix, during
// reimplementation. A failure *after* a session was created (handshake
// timeout, protocol error, admission rejection) instead flows through
// Unregister, which does release the reservation (see handleUnregister).
func (m *Manager) dial(info peer.Info) {
	conn, err := net.DialTimeout("tcp", info.Addr.String(), m.cfg.HandshakeTimeout)
	if err != nil {
		log.Errorf("dial %v (%v): %v", info.ID, info.Addr, err)
		return
	}

	sess := session.New(conn, false, m, m.cfg.SelfIdentity, m.cfg.ChainInfo,
		m.inboundMsgs, &info, m.cfg.HandshakeTimeout)
	if err := sess.Start(); err != nil {
		log.Debugf("outbound handshake with %v failed: %v", info.Addr, err)
	}
}

// reconnectMsg carries a one-shot reconnect request into the run loop,
// so its outgoing-set reservation happens under the same single-goroutine
// discipline as outboundBootstrap's.
type reconnectMsg struct {
	info peer.Info
}

// ScheduleReconnect is the one-shot reconnect helper described in
// spec.md's account of reconnect_delay: unlike the periodic control
// loop, which paces itself by tick cadence alone, this waits
// ReconnectDelay (jittered by up to half that duration, so a caller
// retrying several peers at once doesn't redial them all in lockstep)
// and then makes a single dial attempt. It is never invoked by the
// control loop itself; a caller that already knows a peer it wants to
// keep pursuing — typically right after that peer's session called
// Unregister — invokes it explicitly.
func (m *Manager) ScheduleReconnect(info peer.Info) {
	go func() {
		delay := m.cfg.ReconnectDelay
		if delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

			select {
			case <-time.After(delay):
			case <-m.quit:
				return
			}
		}

		select {
		case m.requests <- &reconnectMsg{info: info}:
		case <-m.quit:
		}
	}()
}

// handleReconnect reserves info's outgoing slot and dials it, unless the
// peer has since become active or is already reserved by another dial.
// It runs only inside the run loop.
func (m *Manager) handleReconnect(info peer.Info) {
	if _, ok := m.active[info.ID]; ok {
		return
	}
	if _, reserved := m.outgoing[info.ID]; reserved {
		return
	}

	m.outgoing[info.ID] = struct{}{}
	m.metrics.setOutgoing(len(m.outgoing))

	go m.dial(info)
}
