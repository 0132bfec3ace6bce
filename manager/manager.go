// Package manager implements the peer connection manager: the single
// coordinator owning the active set, outgoing set, account index, and
// peer store, plus the control loop, routing surface, and client-facing
// request handler built on top of them.
//
// It is generalized from the teacher's server.go: one goroutine
// (run) plays the role of queryHandler, processing every state mutation
// serially off a handful of typed mailboxes, so the active/outgoing
// sets and account index are race-free by construction without a mutex.
package manager

import (
	"context"
	"math/rand"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chainkeeper/peernet/peer"
	"github.com/chainkeeper/peernet/peerstore"
	"github.com/chainkeeper/peernet/session"
	"github.com/chainkeeper/peernet/wire"
)

// Config bundles everything the manager needs that the surrounding
// daemon owns: local identity, network parameters, and a callback to the
// external chain-state collaborator (spec.md §1 lists the blockchain
// client as an out-of-scope collaborator; the manager never interprets
// chain payloads itself, only forwards them).
type Config struct {
	SelfIdentity wire.PeerIdentity
	AccountID    peer.AccountID

	ListenAddr string
	BootNodes  []peer.Info

	DBPath string

	HandshakeTimeout       time.Duration
	ReconnectDelay         time.Duration
	BootstrapPeersPeriod   time.Duration
	PeerMaxCount           int
	BanWindow              time.Duration
	MaxSendPeers           int
	PeerExpirationDuration time.Duration

	DNSSeedDomain string
	DNSSeedPort   int

	InboundAcceptRate  rate.Limit
	InboundAcceptBurst int

	// ChainInfo is called fresh every time a session needs to advertise
	// this node's chain tip (handshake, and any future re-announce).
	ChainInfo func() peer.ChainInfo

	// OnClientMessage is invoked for every inbound message the manager
	// itself does not interpret (blocks, headers, approvals, and
	// peer-targeted block requests) — the "NetworkClientMessages"
	// collaborator interface of spec.md §6.
	OnClientMessage func(from peer.ID, msg wire.Message)
}

func (c Config) selfID() peer.ID {
	return peer.IDFromPubKey(c.SelfIdentity.PubKey)
}

type activeEntry struct {
	Session *session.Session
	Info    peer.FullInfo
}

// Manager is the peer connection manager.
type Manager struct {
	cfg   Config
	store *peerstore.Store
	rng   *rand.Rand

	active       map[peer.ID]*activeEntry
	outgoing     map[peer.ID]struct{}
	accountIndex map[peer.AccountID]peer.ID

	listener net.Listener

	consolidateReqs chan consolidateReq
	unregisterReqs  chan *session.Session
	inboundMsgs     chan session.InboundMessage
	requests        chan interface{}

	metrics *Metrics
	group   *errgroup.Group

	quit chan struct{}
}

type consolidateReq struct {
	sess   *session.Session
	result chan error
}

// New constructs a Manager and opens its durable peer store. Start must
// be called to begin accepting connections and running the control loop.
//
// rng seeds the outbound bootstrap picker's random choice among
// candidates; pass nil to get a time-seeded source, or an explicit
// *rand.Rand so a test can make the pick deterministic, per spec.md §9's
// randomness requirement. The same source (when non-nil) is handed to
// the peer store for its own Healthy sampler.
func New(cfg Config, metrics *Metrics, rng *rand.Rand) (*Manager, error) {
	store, err := peerstore.Open(cfg.DBPath, cfg.BootNodes, rng)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Manager{
		cfg:             cfg,
		store:           store,
		rng:             rng,
		active:          make(map[peer.ID]*activeEntry),
		outgoing:        make(map[peer.ID]struct{}),
		accountIndex:    make(map[peer.AccountID]peer.ID),
		consolidateReqs: make(chan consolidateReq),
		unregisterReqs:  make(chan *session.Session, 64),
		inboundMsgs:     make(chan session.InboundMessage, 256),
		requests:        make(chan interface{}, 64),
		metrics:         metrics,
		quit:            make(chan struct{}),
	}, nil
}

// Start opens the configured listener (if any), resolves DNS seed
// addresses (if configured), and launches the run loop and listener
// accept loop under one errgroup, so Stop can wait for both. Neither
// loop returns an error, so one returning does not stop the other; both
// are stopped by Stop closing quit and the listener.
func (m *Manager) Start() error {
	g, ctx := errgroup.WithContext(context.Background())

	if m.cfg.ListenAddr != "" {
		l, err := net.Listen("tcp", m.cfg.ListenAddr)
		if err != nil {
			return err
		}
		m.listener = l
		g.Go(func() error { return m.acceptLoop(ctx, l) })
	}

	g.Go(func() error {
		m.run()
		return nil
	})

	if m.cfg.DNSSeedDomain != "" {
		go m.resolveAndDialSeeds()
	}

	m.group = g
	return nil
}

// Stop signals every goroutine to exit, closes the listener, and blocks
// until the run loop and accept loop have both returned.
func (m *Manager) Stop() error {
	close(m.quit)
	if m.listener != nil {
		m.listener.Close()
	}
	if m.group != nil {
		return m.group.Wait()
	}
	return nil
}

func (m *Manager) acceptLoop(ctx context.Context, l net.Listener) error {
	limiter := rate.NewLimiter(m.cfg.InboundAcceptRate, m.cfg.InboundAcceptBurst)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		conn, err := l.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return nil
			default:
				log.Errorf("accept error: %v", err)
				continue
			}
		}

		sess := session.New(conn, true, m, m.cfg.SelfIdentity, m.cfg.ChainInfo,
			m.inboundMsgs, nil, m.cfg.HandshakeTimeout)
		go func() {
			if err := sess.Start(); err != nil {
				log.Debugf("inbound handshake from %v failed: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// run is the manager's single coordinator goroutine. Every mutation of
// the active set, outgoing set, account index, or peer store happens
// here and only here.
func (m *Manager) run() {
	ticker := time.NewTicker(m.cfg.BootstrapPeersPeriod)
	defer ticker.Stop()

	m.controlTick()

	for {
		select {
		case req := <-m.consolidateReqs:
			req.result <- m.handleConsolidate(req.sess)

		case sess := <-m.unregisterReqs:
			m.handleUnregister(sess)

		case im := <-m.inboundMsgs:
			m.handleInbound(im)

		case req := <-m.requests:
			m.handleRequest(req)

		case <-ticker.C:
			m.controlTick()

		case <-m.quit:
			m.store.Close()
			return
		}
	}
}
