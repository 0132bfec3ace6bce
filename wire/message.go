// Package wire defines the framed PeerMessage sum type exchanged between
// peer sessions, and the length-prefixed codec used to read and write it
// from a net.Conn. The byte layout of individual payloads is deliberately
// simple (fixed-width fields, length-prefixed variable ones) in the style
// of lnwire's Message/ReadMessage/WriteMessage, extended with an explicit
// 4-byte frame length since, unlike a single lnwire read, a PeerMessage
// stream has no reliable per-message EOF.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayload bounds a single frame's payload, guarding against a
// misbehaving or malicious peer claiming an enormous length prefix.
const MaxPayload = 4 << 20 // 4 MiB

// MessageType is the 2-byte big-endian tag identifying a PeerMessage's
// concrete type on the wire.
type MessageType uint16

const (
	MsgHandshake MessageType = iota + 1
	MsgPeersRequest
	MsgPeersResponse
	MsgBlock
	MsgBlockHeaderAnnounce
	MsgBlockApproval
	MsgBlockRequest
	MsgBlockHeadersRequest
	MsgPing
	MsgPong
)

func (t MessageType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgPeersRequest:
		return "peers_request"
	case MsgPeersResponse:
		return "peers_response"
	case MsgBlock:
		return "block"
	case MsgBlockHeaderAnnounce:
		return "block_header_announce"
	case MsgBlockApproval:
		return "block_approval"
	case MsgBlockRequest:
		return "block_request"
	case MsgBlockHeadersRequest:
		return "block_headers_request"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// Message is a PeerMessage payload. Each concrete type knows how to
// serialize itself; the codec only handles the common type+length header.
type Message interface {
	Type() MessageType
	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

// UnknownMessageError is returned by Read when the frame's type tag does
// not match any known PeerMessage variant.
type UnknownMessageError struct {
	Type MessageType
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown peer message type %v", e.Type)
}

func makeEmpty(t MessageType) (Message, error) {
	switch t {
	case MsgHandshake:
		return &Handshake{}, nil
	case MsgPeersRequest:
		return &PeersRequest{}, nil
	case MsgPeersResponse:
		return &PeersResponse{}, nil
	case MsgBlock:
		return &Block{}, nil
	case MsgBlockHeaderAnnounce:
		return &BlockHeaderAnnounce{}, nil
	case MsgBlockApproval:
		return &BlockApproval{}, nil
	case MsgBlockRequest:
		return &BlockRequest{}, nil
	case MsgBlockHeadersRequest:
		return &BlockHeadersRequest{}, nil
	case MsgPing:
		return &Ping{}, nil
	case MsgPong:
		return &Pong{}, nil
	default:
		return nil, &UnknownMessageError{Type: t}
	}
}

// Write frames msg as [4-byte length][2-byte type][payload] and writes it
// to w in a single call.
func Write(w io.Writer, msg Message) error {
	var body bytes.Buffer
	if err := msg.Encode(&body); err != nil {
		return err
	}
	payload := body.Bytes()

	if len(payload) > MaxPayload-2 {
		return fmt.Errorf("wire: encoded %s payload of %d bytes exceeds max %d",
			msg.Type(), len(payload), MaxPayload-2)
	}

	frame := make([]byte, 6+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)+2))
	binary.BigEndian.PutUint16(frame[4:6], uint16(msg.Type()))
	copy(frame[6:], payload)

	_, err := w.Write(frame)
	return err
}

// Read reads one complete frame from r and decodes it into its concrete
// Message type.
func Read(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < 2 || frameLen > MaxPayload {
		return nil, fmt.Errorf("wire: invalid frame length %d", frameLen)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(frame[:2]))
	msg, err := makeEmpty(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(bytes.NewReader(frame[2:])); err != nil {
		return nil, err
	}
	return msg, nil
}
