package peerstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/chainkeeper/peernet/peer"
)

// Binary layout for a persisted peer.State, following channeldb/graph.go's
// putLightningNode/fetchLightningNode convention: fixed-width fields
// written in order with a shared byteOrder, variable-length fields
// prefixed with their own length.
var byteOrder = binary.BigEndian

func serializeState(st *peer.State) ([]byte, error) {
	var b bytes.Buffer

	if err := writeVarBytes(&b, st.PeerInfo.ID[:]); err != nil {
		return nil, err
	}
	if err := writeAddr(&b, st.PeerInfo.Addr); err != nil {
		return nil, err
	}
	if err := writeVarString(&b, string(st.PeerInfo.AccountID)); err != nil {
		return nil, err
	}

	if err := binary.Write(&b, byteOrder, uint8(st.Status)); err != nil {
		return nil, err
	}
	if err := writeVarString(&b, st.BanReason); err != nil {
		return nil, err
	}
	if err := writeTime(&b, st.BannedSince); err != nil {
		return nil, err
	}
	if err := writeTime(&b, st.FirstSeen); err != nil {
		return nil, err
	}
	if err := writeTime(&b, st.LastSeen); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func deserializeState(data []byte) (*peer.State, error) {
	r := bytes.NewReader(data)
	st := &peer.State{}

	idBytes, err := readVarBytes(r)
	if err != nil {
		return nil, err
	}
	copy(st.PeerInfo.ID[:], idBytes)

	if st.PeerInfo.Addr, err = readAddr(r); err != nil {
		return nil, err
	}
	accountID, err := readVarString(r)
	if err != nil {
		return nil, err
	}
	st.PeerInfo.AccountID = peer.AccountID(accountID)

	var statusByte uint8
	if err := binary.Read(r, byteOrder, &statusByte); err != nil {
		return nil, err
	}
	st.Status = peer.Status(statusByte)

	if st.BanReason, err = readVarString(r); err != nil {
		return nil, err
	}
	if st.BannedSince, err = readTimeVal(r); err != nil {
		return nil, err
	}
	if st.FirstSeen, err = readTimeVal(r); err != nil {
		return nil, err
	}
	if st.LastSeen, err = readTimeVal(r); err != nil {
		return nil, err
	}

	return st, nil
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, byteOrder, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, byteOrder, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeVarString(w io.Writer, s string) error {
	return writeVarBytes(w, []byte(s))
}

func readVarString(r io.Reader) (string, error) {
	b, err := readVarBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeAddr(w io.Writer, addr *net.TCPAddr) error {
	if addr == nil {
		return writeVarString(w, "")
	}
	return writeVarString(w, addr.String())
}

func readAddr(r io.Reader) (*net.TCPAddr, error) {
	s, err := readVarString(r)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return net.ResolveTCPAddr("tcp", s)
}

func writeTime(w io.Writer, t time.Time) error {
	return binary.Write(w, byteOrder, uint64(t.Unix()))
}

func readTimeVal(r io.Reader) (time.Time, error) {
	var unix uint64
	if err := binary.Read(r, byteOrder, &unix); err != nil {
		return time.Time{}, err
	}
	if unix == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(unix), 0), nil
}
