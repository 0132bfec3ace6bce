package manager

import (
	goerrors "github.com/go-errors/errors"

	"github.com/chainkeeper/peernet/session"
)

// Sentinel admission-rejection reasons (spec.md §7's AdmissionRejected
// kind), one value per distinct rejection cause rather than one type per
// call site.
var (
	ErrAlreadyActive    = goerrors.New("manager: peer already in active set")
	ErrSimultaneousLoss = goerrors.New("manager: lost simultaneous-connect tie-break")
	ErrManagerClosed    = goerrors.New("manager: shutting down")
	ErrIdentityMismatch = goerrors.New("manager: dialed peer's handshake reported a different identity")
)

// Consolidate implements session.ManagerHandle. It hands the session's
// freshly handshaked identity to the run loop and blocks for the
// admission decision, per spec.md §4.2's "waits for an accept/reject
// boolean" contract.
func (m *Manager) Consolidate(sess *session.Session) error {
	result := make(chan error, 1)
	req := consolidateReq{sess: sess, result: result}

	select {
	case m.consolidateReqs <- req:
	case <-m.quit:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.quit:
		return ErrManagerClosed
	}
}

// Unregister implements session.ManagerHandle. It is fire-and-forget:
// the caller (a terminating session) does not wait for the manager to
// finish processing it.
func (m *Manager) Unregister(sess *session.Session) {
	select {
	case m.unregisterReqs <- sess:
	case <-m.quit:
	}
}

// handleConsolidate applies the admission procedure of spec.md §4.3. It
// runs only inside the run loop.
func (m *Manager) handleConsolidate(sess *session.Session) error {
	info := sess.Info()
	id := info.PeerInfo.ID

	if _, ok := m.active[id]; ok {
		return ErrAlreadyActive
	}

	if sess.Inbound() {
		if _, racing := m.outgoing[id]; racing {
			// Both sides of a simultaneous connect apply this same
			// rule, so exactly one of the two connections survives
			// regardless of which one consolidates first.
			if !id.Less(m.cfg.selfID()) {
				return ErrSimultaneousLoss
			}
		}
	} else if expected := sess.Expected(); expected != nil && !expected.ID.IsZero() && expected.ID != id {
		// The dial landed on a different identity than the one we
		// reserved an outgoing slot for. Release that reservation by
		// its expected id, not the reported one, since handleUnregister
		// will only ever know the reported id.
		delete(m.outgoing, expected.ID)
		m.metrics.setOutgoing(len(m.outgoing))
		return ErrIdentityMismatch
	}

	delete(m.outgoing, id)
	m.store.MarkConnected(info)
	if info.PeerInfo.AccountID != "" {
		m.accountIndex[info.PeerInfo.AccountID] = id
	}
	m.active[id] = &activeEntry{Session: sess, Info: info}

	m.metrics.setActive(len(m.active))
	m.metrics.setOutgoing(len(m.outgoing))

	log.Infof("consolidated peer %v (inbound=%v, account=%v)",
		id, sess.Inbound(), info.PeerInfo.AccountID)

	return nil
}

// handleUnregister releases whatever reservation or active entry sess
// held. Per spec.md §4.3 this must be a no-op if the session's id is
// neither active nor outgoing. A session that never completed its
// handshake has no reported id; for an outbound one, the reservation is
// released under the id it was dialed for.
func (m *Manager) handleUnregister(sess *session.Session) {
	info := sess.Info()
	id := info.PeerInfo.ID
	if id.IsZero() {
		if expected := sess.Expected(); expected != nil {
			delete(m.outgoing, expected.ID)
			m.metrics.setOutgoing(len(m.outgoing))
		}
		return
	}

	if entry, ok := m.active[id]; ok && entry.Session == sess {
		delete(m.active, id)
		if entry.Info.PeerInfo.AccountID != "" {
			if cur, ok2 := m.accountIndex[entry.Info.PeerInfo.AccountID]; ok2 && cur == id {
				delete(m.accountIndex, entry.Info.PeerInfo.AccountID)
			}
		}
		if err := m.store.MarkDisconnected(id); err != nil {
			log.Errorf("mark_disconnected(%v): %v", id, err)
		}
	}

	// A handshake failure or an admission rejection frees the outgoing
	// reservation. This is distinct from the raw-dial-failure leak
	// preserved in dial() — see control.go — which spec.md §9 records
	// as a known limitation not to silently fix.
	delete(m.outgoing, id)

	m.metrics.setActive(len(m.active))
	m.metrics.setOutgoing(len(m.outgoing))
}
