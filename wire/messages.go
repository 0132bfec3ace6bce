package wire

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := writeUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeString(w io.Writer, s string) error {
	return writeVarBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readVarBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeHash(w io.Writer, h chainhash.Hash) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (chainhash.Hash, error) {
	var h chainhash.Hash
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func writeAddr(w io.Writer, addr *net.TCPAddr) error {
	if addr == nil {
		return writeVarBytes(w, nil)
	}
	return writeString(w, addr.String())
}

func readAddr(r io.Reader) (*net.TCPAddr, error) {
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return net.ResolveTCPAddr("tcp", s)
}

func writePubKey(w io.Writer, pub *btcec.PublicKey) error {
	return writeVarBytes(w, pub.SerializeCompressed())
}

func readPubKey(r io.Reader) (*btcec.PublicKey, error) {
	b, err := readVarBytes(r)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return btcec.ParsePubKey(b)
}

// PeerIdentity is the identity-key+address+account triple exchanged
// during handshake and re-advertised in PeersResponse entries.
type PeerIdentity struct {
	PubKey    *btcec.PublicKey
	Addr      *net.TCPAddr
	AccountID string
}

func writeIdentity(w io.Writer, id PeerIdentity) error {
	if err := writePubKey(w, id.PubKey); err != nil {
		return err
	}
	if err := writeAddr(w, id.Addr); err != nil {
		return err
	}
	return writeString(w, id.AccountID)
}

func readIdentity(r io.Reader) (PeerIdentity, error) {
	var id PeerIdentity
	var err error
	if id.PubKey, err = readPubKey(r); err != nil {
		return id, err
	}
	if id.Addr, err = readAddr(r); err != nil {
		return id, err
	}
	if id.AccountID, err = readString(r); err != nil {
		return id, err
	}
	return id, nil
}

// Handshake is the first message exchanged on a new connection, carrying
// the sender's identity, listen address (if any), validator account (if
// any), and current chain tip.
type Handshake struct {
	Identity    PeerIdentity
	GenesisHash chainhash.Hash
	HeadHash    chainhash.Hash
	TotalWeight uint64
	Height      uint64
}

func (m *Handshake) Type() MessageType { return MsgHandshake }

func (m *Handshake) Encode(w io.Writer) error {
	if err := writeIdentity(w, m.Identity); err != nil {
		return err
	}
	if err := writeHash(w, m.GenesisHash); err != nil {
		return err
	}
	if err := writeHash(w, m.HeadHash); err != nil {
		return err
	}
	if err := writeUint64(w, m.TotalWeight); err != nil {
		return err
	}
	return writeUint64(w, m.Height)
}

func (m *Handshake) Decode(r io.Reader) error {
	var err error
	if m.Identity, err = readIdentity(r); err != nil {
		return err
	}
	if m.GenesisHash, err = readHash(r); err != nil {
		return err
	}
	if m.HeadHash, err = readHash(r); err != nil {
		return err
	}
	if m.TotalWeight, err = readUint64(r); err != nil {
		return err
	}
	m.Height, err = readUint64(r)
	return err
}

// PeersRequest asks the recipient for a sample of peers it knows about.
type PeersRequest struct{}

func (m *PeersRequest) Type() MessageType    { return MsgPeersRequest }
func (m *PeersRequest) Encode(io.Writer) error { return nil }
func (m *PeersRequest) Decode(io.Reader) error { return nil }

// PeersResponse answers a PeersRequest with a bounded list of known peers.
type PeersResponse struct {
	Peers []PeerIdentity
}

func (m *PeersResponse) Type() MessageType { return MsgPeersResponse }

func (m *PeersResponse) Encode(w io.Writer) error {
	if err := writeUint16(w, uint16(len(m.Peers))); err != nil {
		return err
	}
	for _, p := range m.Peers {
		if err := writeIdentity(w, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *PeersResponse) Decode(r io.Reader) error {
	n, err := readUint16(r)
	if err != nil {
		return err
	}
	m.Peers = make([]PeerIdentity, n)
	for i := range m.Peers {
		if m.Peers[i], err = readIdentity(r); err != nil {
			return err
		}
	}
	return nil
}

// Block carries a full, opaquely-encoded block to be applied or relayed.
type Block struct {
	Data []byte
}

func (m *Block) Type() MessageType     { return MsgBlock }
func (m *Block) Encode(w io.Writer) error { return writeVarBytes(w, m.Data) }
func (m *Block) Decode(r io.Reader) (err error) {
	m.Data, err = readVarBytes(r)
	return err
}

// BlockHeaderAnnounce carries an opaquely-encoded header, announcing a new
// chain tip.
type BlockHeaderAnnounce struct {
	Data []byte
}

func (m *BlockHeaderAnnounce) Type() MessageType { return MsgBlockHeaderAnnounce }
func (m *BlockHeaderAnnounce) Encode(w io.Writer) error {
	return writeVarBytes(w, m.Data)
}
func (m *BlockHeaderAnnounce) Decode(r io.Reader) (err error) {
	m.Data, err = readVarBytes(r)
	return err
}

// BlockApproval is a validator's signature over a block hash, addressed to
// a specific account.
type BlockApproval struct {
	AccountID string
	Hash      chainhash.Hash
	Signature []byte
}

func (m *BlockApproval) Type() MessageType { return MsgBlockApproval }

func (m *BlockApproval) Encode(w io.Writer) error {
	if err := writeString(w, m.AccountID); err != nil {
		return err
	}
	if err := writeHash(w, m.Hash); err != nil {
		return err
	}
	return writeVarBytes(w, m.Signature)
}

func (m *BlockApproval) Decode(r io.Reader) error {
	var err error
	if m.AccountID, err = readString(r); err != nil {
		return err
	}
	if m.Hash, err = readHash(r); err != nil {
		return err
	}
	m.Signature, err = readVarBytes(r)
	return err
}

// BlockRequest asks the recipient to send the block with the given hash.
type BlockRequest struct {
	Hash chainhash.Hash
}

func (m *BlockRequest) Type() MessageType      { return MsgBlockRequest }
func (m *BlockRequest) Encode(w io.Writer) error { return writeHash(w, m.Hash) }
func (m *BlockRequest) Decode(r io.Reader) (err error) {
	m.Hash, err = readHash(r)
	return err
}

// Ping carries a random nonce the recipient must echo back in a Pong,
// letting the sender estimate round-trip time and detect a half-open
// connection faster than a read timeout would.
type Ping struct {
	Nonce uint64
}

func (m *Ping) Type() MessageType      { return MsgPing }
func (m *Ping) Encode(w io.Writer) error { return writeUint64(w, m.Nonce) }
func (m *Ping) Decode(r io.Reader) (err error) {
	m.Nonce, err = readUint64(r)
	return err
}

// Pong echoes back the nonce of the Ping it answers.
type Pong struct {
	Nonce uint64
}

func (m *Pong) Type() MessageType      { return MsgPong }
func (m *Pong) Encode(w io.Writer) error { return writeUint64(w, m.Nonce) }
func (m *Pong) Decode(r io.Reader) (err error) {
	m.Nonce, err = readUint64(r)
	return err
}

// BlockHeadersRequest asks the recipient to send headers for the given
// hashes.
type BlockHeadersRequest struct {
	Hashes []chainhash.Hash
}

func (m *BlockHeadersRequest) Type() MessageType { return MsgBlockHeadersRequest }

func (m *BlockHeadersRequest) Encode(w io.Writer) error {
	if err := writeUint16(w, uint16(len(m.Hashes))); err != nil {
		return err
	}
	for _, h := range m.Hashes {
		if err := writeHash(w, h); err != nil {
			return err
		}
	}
	return nil
}

func (m *BlockHeadersRequest) Decode(r io.Reader) error {
	n, err := readUint16(r)
	if err != nil {
		return err
	}
	m.Hashes = make([]chainhash.Hash, n)
	for i := range m.Hashes {
		if m.Hashes[i], err = readHash(r); err != nil {
			return err
		}
	}
	return nil
}
