// Package session implements the per-connection state machine for a single
// peer socket: Connecting -> Handshaking -> Ready -> Closed. It owns the
// net.Conn and the read/write/queue goroutines that move PeerMessages
// across it, generalized from the teacher's peer.go (queueHandler,
// writeHandler, readHandler, pingHandler) to the PeerMessage sum type
// defined in package wire.
//
// A session never talks to the manager's internal state directly. It
// depends only on the small ManagerHandle interface it declares itself,
// which the manager package implements — keeping the import edge one-way
// (manager -> session) and avoiding a cycle.
package session

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/go-errors/errors"

	"github.com/chainkeeper/peernet/peer"
	"github.com/chainkeeper/peernet/wire"
)

const (
	// pingInterval is the interval at which ping messages are sent to a
	// Ready session, matching the teacher's peer.go pingInterval.
	pingInterval = 1 * time.Minute

	// defaultHandshakeTimeout bounds how long a new connection may spend
	// in Handshaking before it is dropped, when New is not given an
	// explicit configured value.
	defaultHandshakeTimeout = 10 * time.Second

	// outgoingQueueLen is the buffer size of the channel external
	// callers use to queue outbound messages.
	outgoingQueueLen = 50
)

// State is a session's position in the Connecting -> Handshaking ->
// Ready -> Closed state machine.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ManagerHandle is the slice of manager behavior a session needs:
// admission of a freshly handshaked session into the active set, and
// notification that a session has torn down. The manager package
// implements this; session only depends on the interface.
type ManagerHandle interface {
	// Consolidate is called exactly once, right after a successful
	// handshake, with the session's remote identity already populated.
	// An error means the manager has rejected the connection (already
	// connected, simultaneous-connect loser, dialed identity mismatch,
	// manager shutting down); the session
	// must disconnect without entering Ready.
	Consolidate(sess *Session) error

	// Unregister is called exactly once, as the final step of Stop, so
	// the manager can drop the session from its active set.
	Unregister(sess *Session)
}

// outgoingMsg pairs a wire.Message with an optional completion signal,
// mirroring the teacher's outgoinMsg.
type outgoingMsg struct {
	msg      wire.Message
	sentChan chan struct{}
}

// Session is a single peer connection and its associated goroutines.
type Session struct {
	pingTime     int64 // atomic, microseconds
	pingLastSend int64 // atomic, unix nanoseconds

	started    int32 // atomic
	disconnect int32 // atomic
	state      int32 // atomic, holds a State

	conn    net.Conn
	inbound bool

	handle ManagerHandle

	localIdentity wire.PeerIdentity
	localChain    func() peer.ChainInfo

	// expected is the peer this session was dialed to reach. It is nil
	// for an inbound session, which has no target to compare against.
	expected *peer.Info

	handshakeTimeout time.Duration

	mu       sync.RWMutex
	remote   peer.FullInfo
	connTime time.Time
	lastSend time.Time
	lastRecv time.Time

	sendQueue     chan outgoingMsg
	outgoingQueue chan outgoingMsg

	inboundMsgs chan<- InboundMessage

	quit chan struct{}
	wg   sync.WaitGroup
}

// InboundMessage is delivered to the manager's mailbox for every message
// read off a Ready session.
type InboundMessage struct {
	Session *Session
	Msg     wire.Message
}

// New constructs a session around an already-dialed or already-accepted
// conn. localIdentity is this node's own identity to present during
// handshake; localChain is called fresh at handshake time so the
// advertised chain tip is current. expected is the peer this session
// was dialed to reach, used by the manager to detect a dial that landed
// on a different identity than intended; pass nil for an inbound
// session. handshakeTimeout bounds the handshake; zero selects
// defaultHandshakeTimeout.
func New(conn net.Conn, inbound bool, handle ManagerHandle,
	localIdentity wire.PeerIdentity, localChain func() peer.ChainInfo,
	inboundMsgs chan<- InboundMessage, expected *peer.Info,
	handshakeTimeout time.Duration) *Session {

	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	return &Session{
		conn:             conn,
		inbound:          inbound,
		handle:           handle,
		localIdentity:    localIdentity,
		localChain:       localChain,
		expected:         expected,
		handshakeTimeout: handshakeTimeout,
		inboundMsgs:      inboundMsgs,
		sendQueue:        make(chan outgoingMsg),
		outgoingQueue:    make(chan outgoingMsg, outgoingQueueLen),
		quit:             make(chan struct{}),
		connTime:         time.Now(),
	}
}

// Expected returns the peer this session was dialed to reach, or nil for
// an inbound session.
func (s *Session) Expected() *peer.Info {
	return s.expected
}

// State reports the session's current position in its state machine.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Info returns the peer's remote identity and last-known chain state. It
// is the zero value until the remote handshake has been read, and is
// populated before Consolidate is called.
func (s *Session) Info() peer.FullInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// UpdateChainInfo records a freshly received chain-state announcement
// from this peer.
func (s *Session) UpdateChainInfo(ci peer.ChainInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote.ChainInfo = ci
}

// Inbound reports whether this session originated from an accepted
// connection rather than an outbound dial.
func (s *Session) Inbound() bool {
	return s.inbound
}

// String returns the remote socket address, for logging.
func (s *Session) String() string {
	return s.conn.RemoteAddr().String()
}

// Start performs the handshake synchronously, then — only on success —
// hands the session to the manager via Consolidate and launches the
// steady-state goroutines. The caller must treat a non-nil return as a
// fully torn down session; Start calls Disconnect on any failure path.
func (s *Session) Start() error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	s.setState(StateHandshaking)

	s.wg.Add(2)
	go s.queueHandler()
	go s.writeHandler()

	if err := s.sendHandshake(); err != nil {
		s.Disconnect()
		return err
	}

	remote, err := s.readHandshake()
	if err != nil {
		s.Disconnect()
		return err
	}

	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()

	if err := s.handle.Consolidate(s); err != nil {
		s.Disconnect()
		return goerrors.WrapPrefix(err, "rejected by manager", 0)
	}

	s.setState(StateReady)

	s.wg.Add(2)
	go s.readHandler()
	go s.pingHandler()

	return nil
}

func (s *Session) sendHandshake() error {
	ci := s.localChain()
	msg := &wire.Handshake{
		Identity:    s.localIdentity,
		GenesisHash: ci.GenesisHash,
		HeadHash:    ci.HeadHash,
		TotalWeight: ci.TotalWeight,
		Height:      ci.Height,
	}
	return s.writeMessage(msg)
}

func (s *Session) readHandshake() (peer.FullInfo, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	msg, err := wire.Read(s.conn)
	if err != nil {
		return peer.FullInfo{}, err
	}

	hs, ok := msg.(*wire.Handshake)
	if !ok {
		return peer.FullInfo{}, fmt.Errorf(
			"session: first message from %v must be handshake, got %v",
			s, msg.Type())
	}
	if hs.Identity.PubKey == nil {
		return peer.FullInfo{}, fmt.Errorf(
			"session: handshake from %v missing identity key", s)
	}

	info := peer.Info{
		ID:        peer.IDFromPubKey(hs.Identity.PubKey),
		Addr:      hs.Identity.Addr,
		AccountID: peer.AccountID(hs.Identity.AccountID),
	}
	return peer.FullInfo{
		PeerInfo: info,
		ChainInfo: peer.ChainInfo{
			GenesisHash: hs.GenesisHash,
			HeadHash:    hs.HeadHash,
			TotalWeight: hs.TotalWeight,
			Height:      hs.Height,
		},
	}, nil
}

// Stop signals every goroutine to exit and blocks until they have, then
// notifies the manager. It is safe to call more than once.
func (s *Session) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.disconnect, 0, 1) {
		return nil
	}

	s.conn.Close()
	close(s.quit)
	s.wg.Wait()

	s.setState(StateClosed)
	s.handle.Unregister(s)

	return nil
}

// Disconnect is an alias for Stop kept for symmetry with the teacher's
// peer.Disconnect/peer.Stop split; a session has no separate cleanup-only
// path since it owns no channel-layer resources beyond its own goroutines.
func (s *Session) Disconnect() {
	s.Stop()
}

func (s *Session) readNextMessage() (wire.Message, error) {
	msg, err := wire.Read(s.conn)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastRecv = time.Now()
	s.mu.Unlock()
	return msg, nil
}

// readHandler pulls frames off the wire and dispatches them to the
// manager's mailbox, except Ping and Pong, which are handled locally: a
// Ping is answered with a Pong, and a Pong updates the RTT estimate.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Session) readHandler() {
	defer s.wg.Done()

	for atomic.LoadInt32(&s.disconnect) == 0 {
		msg, err := s.readNextMessage()
		if err != nil {
			log.Debugf("unable to read message from %v: %v", s, err)
			go s.Disconnect()
			return
		}

		switch m := msg.(type) {
		case *wire.Ping:
			s.QueueMessage(&wire.Pong{Nonce: m.Nonce}, nil)
		case *wire.Pong:
			s.recordPong()
		default:
			select {
			case s.inboundMsgs <- InboundMessage{Session: s, Msg: msg}:
			case <-s.quit:
				return
			}
		}
	}
}

func (s *Session) recordPong() {
	last := atomic.LoadInt64(&s.pingLastSend)
	if last == 0 {
		return
	}
	rtt := (time.Now().UnixNano() - last) / int64(time.Microsecond)
	atomic.StoreInt64(&s.pingTime, rtt)
}

func (s *Session) writeMessage(msg wire.Message) error {
	err := wire.Write(s.conn, msg)
	if err == nil {
		s.mu.Lock()
		s.lastSend = time.Now()
		s.mu.Unlock()
	}
	return err
}

// writeHandler serializes all writes to the connection through a single
// goroutine, so the queueHandler and ping/pong paths never race on the
// socket.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Session) writeHandler() {
	defer s.wg.Done()

	for {
		select {
		case outMsg := <-s.sendQueue:
			if _, ok := outMsg.msg.(*wire.Ping); ok {
				atomic.StoreInt64(&s.pingLastSend, time.Now().UnixNano())
			}

			err := s.writeMessage(outMsg.msg)
			if outMsg.sentChan != nil {
				close(outMsg.sentChan)
			}
			if err != nil {
				log.Errorf("unable to write message to %v: %v", s, err)
				go s.Disconnect()
				return
			}

		case <-s.quit:
			return
		}
	}
}

// queueHandler drains outgoingQueue into sendQueue, preserving FIFO order
// without ever blocking a caller of QueueMessage once the queue has room.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Session) queueHandler() {
	defer s.wg.Done()

	pending := list.New()
	for {
		for {
			elem := pending.Front()
			if elem == nil {
				break
			}
			select {
			case s.sendQueue <- elem.Value.(outgoingMsg):
				pending.Remove(elem)
			case <-s.quit:
				return
			default:
				break
			}
		}

		select {
		case <-s.quit:
			return
		case msg := <-s.outgoingQueue:
			pending.PushBack(msg)
		}
	}
}

// pingHandler periodically sends a Ping once the session is Ready.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Session) pingHandler() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var nonceBuf [8]byte
	for {
		select {
		case <-ticker.C:
			if _, err := rand.Read(nonceBuf[:]); err != nil {
				log.Errorf("unable to generate ping nonce for %v: %v", s, err)
				continue
			}
			nonce := binary.BigEndian.Uint64(nonceBuf[:])
			s.QueueMessage(&wire.Ping{Nonce: nonce}, nil)
		case <-s.quit:
			return
		}
	}
}

// PingTime returns the most recent estimated round-trip time in
// microseconds.
func (s *Session) PingTime() int64 {
	return atomic.LoadInt64(&s.pingTime)
}

// QueueMessage enqueues msg for sending. If doneChan is non-nil it is
// closed once the write completes, or at once if the session has already
// been torn down. A message still queued when the session stops is
// dropped, and its doneChan is not closed.
func (s *Session) QueueMessage(msg wire.Message, doneChan chan struct{}) {
	select {
	case s.outgoingQueue <- outgoingMsg{msg, doneChan}:
	case <-s.quit:
		if doneChan != nil {
			close(doneChan)
		}
	}
}

// TryQueueMessage attempts a non-blocking enqueue, reporting false if the
// outgoing queue is full. The routing surface's broadcast and
// send_to_peer/send_to_account verbs use this instead of QueueMessage so
// that one slow or stuck peer's full queue never blocks delivery to any
// other peer.
func (s *Session) TryQueueMessage(msg wire.Message) bool {
	select {
	case s.outgoingQueue <- outgoingMsg{msg, nil}:
		return true
	default:
		return false
	}
}
