// Package peerstore implements the durable, queryable index of every peer
// the node has ever heard of (spec.md §4.1). It is adapted from
// channeldb's bolt-backed open/bucket/serialize pattern (db.go's Open and
// graph.go's putLightningNode/fetchLightningNode), generalized from a
// channel graph to peer reputation records.
package peerstore

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	goerrors "github.com/go-errors/errors"

	"github.com/chainkeeper/peernet/peer"
)

const (
	dbFileName       = "peers.db"
	dbFilePermission = 0600
)

var peersBucket = []byte("PEERS")

// Sentinel error kinds, mirroring spec.md §7's error taxonomy. Each is a
// single value reused across call sites, not one type per site, matching
// the teacher's errClosed/errAlreadyRegistered style (network/p2p's
// PeerManager in the go-hpb pack).
var (
	// ErrStoreCorrupt is returned by Open when a persisted record fails
	// to deserialize. Fatal at startup; never returned at runtime.
	ErrStoreCorrupt = goerrors.New("peerstore: corrupt record")

	// ErrUnknownPeer is returned by any per-peer operation whose target
	// is not present in the store.
	ErrUnknownPeer = goerrors.New("peerstore: unknown peer")
)

// Store is the durable, in-memory-mirrored index of known peers. Per
// spec.md §5 the manager's single goroutine is the store's only caller;
// the mutex exists only to let peerstore tests exercise the store
// directly without a manager driving it, not to defend against real
// concurrent callers.
type Store struct {
	mu    sync.RWMutex
	db    *bolt.DB
	peers map[peer.ID]*peer.State

	rng *rand.Rand
}

// Open loads every PEERS entry from dbPath, coerces each status to
// NotConnected (spec.md §3: "a previous run's connected state is never
// trusted"), then unions in bootNodes that aren't already present in
// state NotConnected. It returns ErrStoreCorrupt if any record fails to
// deserialize.
//
// rng seeds the sampler Healthy uses; pass nil to get a time-seeded
// source, or an explicit *rand.Rand so a test can make the sample
// deterministic, per spec.md §9's randomness requirement.
func Open(dbPath string, bootNodes []peer.Info, rng *rand.Rand) (*Store, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dbPath, dbFileName), dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Store{
		db:    db,
		peers: make(map[peer.ID]*peer.State),
		rng:   rng,
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(peersBucket)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			st, err := deserializeState(v)
			if err != nil {
				id := fixedKey(k)
				return goerrors.WrapPrefix(err, "corrupt record for "+id.String(), 0)
			}
			st.Status = peer.StatusNotConnected
			s.peers[fixedKey(k)] = st
			return nil
		})
	}); err != nil {
		db.Close()
		return nil, goerrors.WrapPrefix(ErrStoreCorrupt, err.Error(), 0)
	}

	for _, info := range bootNodes {
		if _, ok := s.peers[info.ID]; ok {
			continue
		}
		now := time.Now()
		s.peers[info.ID] = &peer.State{
			PeerInfo:  info,
			Status:    peer.StatusNotConnected,
			FirstSeen: now,
			LastSeen:  now,
		}
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func fixedKey(b []byte) peer.ID {
	var id peer.ID
	copy(id[:], b)
	return id
}

func (s *Store) persist(id peer.ID, st *peer.State) error {
	buf, err := serializeState(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(peersBucket)
		return bucket.Put(id[:], buf)
	})
}

// MarkConnected upserts a peer's state to Connected, bumping LastSeen, and
// commits the change in a single atomic batch. Per spec.md §4.1, a commit
// failure is logged and the in-memory mutation stands: the manager
// prefers liveness to strict consistency, and the next Open will re-coerce
// status to NotConnected regardless.
func (s *Store) MarkConnected(full peer.FullInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := full.PeerInfo.ID
	st, ok := s.peers[id]
	if !ok {
		now := time.Now()
		st = &peer.State{PeerInfo: full.PeerInfo, FirstSeen: now}
		s.peers[id] = st
	}
	st.PeerInfo = full.PeerInfo
	st.Status = peer.StatusConnected
	st.LastSeen = time.Now()

	if err := s.persist(id, st); err != nil {
		log.Errorf("unable to persist mark_connected(%v): %v", id, err)
	}
}

// MarkDisconnected flips a peer's status to NotConnected and bumps
// LastSeen. Returns ErrUnknownPeer if the peer has no store entry.
func (s *Store) MarkDisconnected(id peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	st.Status = peer.StatusNotConnected
	st.LastSeen = time.Now()

	if err := s.persist(id, st); err != nil {
		log.Errorf("unable to persist mark_disconnected(%v): %v", id, err)
	}
	return nil
}

// Ban transitions a peer to Banned(reason, now). Returns ErrUnknownPeer if
// the peer has no store entry.
func (s *Store) Ban(id peer.ID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	st.Status = peer.StatusBanned
	st.BanReason = reason
	st.BannedSince = time.Now()
	st.LastSeen = st.BannedSince

	if err := s.persist(id, st); err != nil {
		log.Errorf("unable to persist ban(%v): %v", id, err)
	}
	return nil
}

// Unban transitions a banned peer back to NotConnected. Returns
// ErrUnknownPeer if the peer has no store entry.
func (s *Store) Unban(id peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	st.Status = peer.StatusNotConnected
	st.LastSeen = time.Now()

	if err := s.persist(id, st); err != nil {
		log.Errorf("unable to persist unban(%v): %v", id, err)
	}
	return nil
}

// AddPeers inserts hints learned from gossip. Only ids not already present
// are inserted, with status Unknown; existing entries are never
// overwritten. Per spec.md §4.1 these hints are never persisted, so an
// adversary gossiping junk addresses can't grow the database on disk.
func (s *Store) AddPeers(infos []peer.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, info := range infos {
		if _, ok := s.peers[info.ID]; ok {
			continue
		}
		s.peers[info.ID] = &peer.State{
			PeerInfo:  info,
			Status:    peer.StatusUnknown,
			FirstSeen: now,
			LastSeen:  now,
		}
	}
}

// Healthy returns a uniformly random sample of peers whose status is not
// Banned. maxCount == 0 returns all of them.
func (s *Store) Healthy(maxCount int) []peer.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]peer.State, 0, len(s.peers))
	for _, st := range s.peers {
		if st.Status != peer.StatusBanned {
			candidates = append(candidates, *st)
		}
	}

	// Map iteration order is random; fix the order first so the shuffle
	// depends only on rng.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PeerInfo.ID.Less(candidates[j].PeerInfo.ID)
	})

	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if maxCount == 0 || maxCount >= len(candidates) {
		return candidates
	}
	return candidates[:maxCount]
}

// Unconnected returns every peer in status NotConnected or Unknown.
func (s *Store) Unconnected() []peer.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]peer.State, 0, len(s.peers))
	for _, st := range s.peers {
		if st.Status == peer.StatusNotConnected || st.Status == peer.StatusUnknown {
			out = append(out, *st)
		}
	}
	return out
}

// RemoveExpired deletes every non-Connected peer whose LastSeen is older
// than ttl, in one persisted batch.
func (s *Store) RemoveExpired(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var toDelete []peer.ID
	for id, st := range s.peers {
		if st.Status != peer.StatusConnected && st.LastSeen.Before(cutoff) {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) == 0 {
		return
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(peersBucket)
		for _, id := range toDelete {
			if err := bucket.Delete(id[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("unable to persist remove_expired batch: %v", err)
	}
	for _, id := range toDelete {
		delete(s.peers, id)
	}
}

// Iter calls fn once per known peer. It is not required to be stable
// across concurrent mutations, matching spec.md §4.1.
func (s *Store) Iter(fn func(peer.ID, peer.State)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, st := range s.peers {
		fn(id, *st)
	}
}

// Lookup returns the current state of a single known peer.
func (s *Store) Lookup(id peer.ID) (peer.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.peers[id]
	if !ok {
		return peer.State{}, false
	}
	return *st, true
}

// Len reports how many peers the store currently knows about.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
