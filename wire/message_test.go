package wire

import (
	"bytes"
	"net"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
)

func testIdentity(t *testing.T) PeerIdentity {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("unable to generate key: %v", err)
	}
	return PeerIdentity{
		PubKey:    priv.PubKey(),
		Addr:      &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4455},
		AccountID: "alice.near",
	}
}

// roundTrip writes msg through Write and reads it back through Read,
// failing the test with a spew dump if the decoded value doesn't match.
func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()

	var buf bytes.Buffer
	if err := Write(&buf, msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(msg, got) {
		t.Fatalf("message mismatch after round-trip: want %s, got %s",
			spew.Sdump(msg), spew.Sdump(got))
	}
	return got
}

func TestHandshakeRoundTrip(t *testing.T) {
	msg := &Handshake{
		Identity:    testIdentity(t),
		GenesisHash: chainhash.Hash{1, 2, 3},
		HeadHash:    chainhash.Hash{4, 5, 6},
		TotalWeight: 424242,
		Height:      7,
	}
	roundTrip(t, msg)
}

func TestHandshakeRoundTripNoAddr(t *testing.T) {
	id := testIdentity(t)
	id.Addr = nil
	msg := &Handshake{Identity: id}
	roundTrip(t, msg)
}

func TestPeersRequestRoundTrip(t *testing.T) {
	roundTrip(t, &PeersRequest{})
}

func TestPeersResponseRoundTrip(t *testing.T) {
	msg := &PeersResponse{
		Peers: []PeerIdentity{testIdentity(t), testIdentity(t)},
	}
	roundTrip(t, msg)
}

func TestPeersResponseRoundTripEmpty(t *testing.T) {
	roundTrip(t, &PeersResponse{Peers: []PeerIdentity{}})
}

func TestBlockRoundTrip(t *testing.T) {
	roundTrip(t, &Block{Data: []byte("opaque-block-bytes")})
}

func TestBlockHeaderAnnounceRoundTrip(t *testing.T) {
	roundTrip(t, &BlockHeaderAnnounce{Data: []byte("opaque-header-bytes")})
}

func TestBlockApprovalRoundTrip(t *testing.T) {
	msg := &BlockApproval{
		AccountID: "validator.near",
		Hash:      chainhash.Hash{9, 9, 9},
		Signature: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	roundTrip(t, msg)
}

func TestBlockRequestRoundTrip(t *testing.T) {
	roundTrip(t, &BlockRequest{Hash: chainhash.Hash{1}})
}

func TestBlockHeadersRequestRoundTrip(t *testing.T) {
	msg := &BlockHeadersRequest{
		Hashes: []chainhash.Hash{{1}, {2}, {3}},
	}
	roundTrip(t, msg)
}

func TestPingRoundTrip(t *testing.T) {
	roundTrip(t, &Ping{Nonce: 0xdeadbeefcafef00d})
}

func TestPongRoundTrip(t *testing.T) {
	roundTrip(t, &Pong{Nonce: 42})
}

func TestReadRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, &PeersRequest{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	frame := buf.Bytes()
	// Corrupt the type tag (bytes 4:6 of the frame) to a value no
	// PeerMessage variant uses.
	frame[4], frame[5] = 0xff, 0xff

	if _, err := Read(bytes.NewReader(frame)); err == nil {
		t.Fatalf("expected error reading frame with unknown type")
	} else if _, ok := err.(*UnknownMessageError); !ok {
		t.Fatalf("expected *UnknownMessageError, got %T: %v", err, err)
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var lenBuf [4]byte
	// Claim a frame far larger than MaxPayload.
	for i := range lenBuf {
		lenBuf[i] = 0xff
	}
	if _, err := Read(bytes.NewReader(lenBuf[:])); err == nil {
		t.Fatalf("expected error reading oversized frame")
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	msg := &Block{Data: make([]byte, MaxPayload)}
	var buf bytes.Buffer
	if err := Write(&buf, msg); err == nil {
		t.Fatalf("expected error writing oversized payload")
	}
}
