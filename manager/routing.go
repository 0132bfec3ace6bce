package manager

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/chainkeeper/peernet/peer"
	"github.com/chainkeeper/peernet/session"
	"github.com/chainkeeper/peernet/wire"
)

// broadcastMsg implements spec.md §4.5's broadcast verb: fire-and-forget
// to every active session. One slow or full session's queue must not
// block or fail delivery to any other, so enqueuing uses
// Session.TryQueueMessage rather than the blocking QueueMessage.
func (m *Manager) broadcastMsg(msg wire.Message) {
	for id, entry := range m.active {
		if !entry.Session.TryQueueMessage(msg) {
			log.Warnf("broadcast: dropped %v to %v, send queue full", msg.Type(), id)
		}
	}
}

// sendToPeer implements spec.md §4.5's send_to_peer verb.
func (m *Manager) sendToPeer(id peer.ID, msg wire.Message) {
	entry, ok := m.active[id]
	if !ok {
		log.Debugf("send_to_peer: %v not active, dropping %v", id, msg.Type())
		return
	}
	if !entry.Session.TryQueueMessage(msg) {
		log.Warnf("send_to_peer: dropped %v to %v, send queue full", msg.Type(), id)
	}
}

// sendToAccount implements spec.md §4.5's send_to_account verb. No
// indirect routing is attempted; an unknown account is dropped with a
// warning (explicit non-goal, spec.md §1).
func (m *Manager) sendToAccount(account peer.AccountID, msg wire.Message) {
	id, ok := m.accountIndex[account]
	if !ok {
		log.Warnf("send_to_account: unknown account %v, dropping %v", account, msg.Type())
		return
	}
	m.sendToPeer(id, msg)
}

// handleInbound dispatches one message read off a Ready session. Manager-
// addressed messages (peer discovery) are handled here; everything else
// is forwarded to the external client collaborator unopened, per
// spec.md §6 ("the manager itself does not interpret chain payloads").
func (m *Manager) handleInbound(im session.InboundMessage) {
	from := im.Session.Info().PeerInfo.ID

	switch msg := im.Msg.(type) {
	case *wire.PeersRequest:
		m.handlePeersRequest(im.Session)

	case *wire.PeersResponse:
		m.handlePeersResponse(from, msg)

	default:
		if m.cfg.OnClientMessage != nil {
			m.cfg.OnClientMessage(from, msg)
		}
	}
}

// handlePeersRequest answers with a bounded sample of known healthy
// peers, truncated to max_send_peers (spec.md §6 config field;
// SPEC_FULL §C enforces it here since the distilled spec names the
// field but never its enforcement point).
func (m *Manager) handlePeersRequest(sess *session.Session) {
	states := m.store.Healthy(m.cfg.MaxSendPeers)

	identities := make([]wire.PeerIdentity, 0, len(states))
	for _, st := range states {
		id, err := identityFromInfo(st.PeerInfo)
		if err != nil {
			continue
		}
		identities = append(identities, id)
	}

	sess.QueueMessage(&wire.PeersResponse{Peers: identities}, nil)
}

// handlePeersResponse implements scenario 5 of spec.md §8: this node's
// own id and the responder's id are filtered out, and the remainder are
// added to the
// store as Unknown gossip hints — never persisted, never overwriting an
// existing entry (peerstore.AddPeers already enforces both).
func (m *Manager) handlePeersResponse(from peer.ID, msg *wire.PeersResponse) {
	self := m.cfg.selfID()

	infos := make([]peer.Info, 0, len(msg.Peers))
	for _, ident := range msg.Peers {
		if ident.PubKey == nil {
			continue
		}
		id := peer.IDFromPubKey(ident.PubKey)
		if id == self || id == from {
			continue
		}
		infos = append(infos, peer.Info{
			ID:        id,
			Addr:      ident.Addr,
			AccountID: peer.AccountID(ident.AccountID),
		})
	}

	m.store.AddPeers(infos)
}

// identityFromInfo recovers a wire.PeerIdentity from a stored peer.Info:
// the peer's long-term pubkey is recoverable directly from its ID, which
// is defined as the pubkey's compressed serialization (package peer).
func identityFromInfo(info peer.Info) (wire.PeerIdentity, error) {
	pub, err := btcec.ParsePubKey(info.ID[:])
	if err != nil {
		return wire.PeerIdentity{}, err
	}
	return wire.PeerIdentity{
		PubKey:    pub,
		Addr:      info.Addr,
		AccountID: string(info.AccountID),
	}, nil
}
