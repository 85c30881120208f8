// Message encoding for the authenticated peer protocol of spec.md §4.7:
// a compact binary tagged object, carried as the plaintext of each
// AEAD frame once a session is Authenticated.
//
// Confirmed against original_source/memnode/src/net/mod.rs's Message
// enum, which enumerates the identical catalog (Hello, PutBlock/GetBlock/
// BlockData, GetKey/KeyFound/PutKey/KeyStored, UpdateQuota, Ack, Flush,
// Bye) under different names; this module uses spec.md §4.7's own naming
// (StoreBlock/StoredBlock, RequestBlock/BlockData, SetKey/GetKey/
// KeyFound, Free, Ping/Pong, Close).
package peermanager

import (
	"encoding/binary"
	"fmt"

	"github.com/ssd-technologies/memcloud/internal/memerr"
)

type msgType byte

const (
	msgHello        msgType = 1
	msgStoreBlock   msgType = 2
	msgStoredBlock  msgType = 3
	msgRequestBlock msgType = 4
	msgBlockData    msgType = 5
	msgSetKey       msgType = 6
	msgGetKey       msgType = 7
	msgKeyFound     msgType = 8
	msgFree         msgType = 9
	msgPing         msgType = 10
	msgPong         msgType = 11
	msgClose        msgType = 12
)

// Message is the decoded form of any peer-protocol frame. Only the
// fields relevant to Type are populated.
type Message struct {
	Type          msgType
	CorrelationID uint64
	BlockID       uint64
	Data          []byte
	HasData       bool
	Key           string
	Quota         uint64
	CloseReason   string
}

func putUint64(buf []byte, v uint64) { binary.BigEndian.PutUint64(buf, v) }
func getUint64(buf []byte) uint64    { return binary.BigEndian.Uint64(buf) }

func putString(buf *[]byte, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	*buf = append(*buf, lenBuf[:]...)
	*buf = append(*buf, s...)
}

func takeString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, memerr.New(memerr.CodeProtocolError, "truncated string length")
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < n {
		return "", nil, memerr.New(memerr.CodeProtocolError, "truncated string body")
	}
	return string(data[:n]), data[n:], nil
}

func putBytes(buf *[]byte, present bool, b []byte) {
	if !present {
		*buf = append(*buf, 0)
		return
	}
	*buf = append(*buf, 1)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	*buf = append(*buf, lenBuf[:]...)
	*buf = append(*buf, b...)
}

func takeBytes(data []byte) (bool, []byte, []byte, error) {
	if len(data) < 1 {
		return false, nil, nil, memerr.New(memerr.CodeProtocolError, "truncated bytes presence flag")
	}
	present := data[0] == 1
	data = data[1:]
	if !present {
		return false, nil, data, nil
	}
	if len(data) < 4 {
		return false, nil, nil, memerr.New(memerr.CodeProtocolError, "truncated bytes length")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	data = data[4:]
	if len(data) < n {
		return false, nil, nil, memerr.New(memerr.CodeProtocolError, "truncated bytes body")
	}
	return true, data[:n], data[n:], nil
}

// Encode serializes m into its wire form: msgType(1) || correlation_id(8) || type-specific fields.
func Encode(m Message) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(m.Type))
	var corrBuf [8]byte
	putUint64(corrBuf[:], m.CorrelationID)
	buf = append(buf, corrBuf[:]...)

	switch m.Type {
	case msgHello, msgPing, msgPong:
		// no payload
	case msgStoreBlock:
		putBytes(&buf, true, m.Data)
	case msgStoredBlock, msgRequestBlock, msgFree:
		var idBuf [8]byte
		putUint64(idBuf[:], m.BlockID)
		buf = append(buf, idBuf[:]...)
	case msgBlockData:
		var idBuf [8]byte
		putUint64(idBuf[:], m.BlockID)
		buf = append(buf, idBuf[:]...)
		putBytes(&buf, m.HasData, m.Data)
	case msgSetKey:
		putString(&buf, m.Key)
		putBytes(&buf, true, m.Data)
	case msgGetKey:
		putString(&buf, m.Key)
	case msgKeyFound:
		putString(&buf, m.Key)
		putBytes(&buf, m.HasData, m.Data)
	case msgClose:
		putString(&buf, m.CloseReason)
	}
	return buf
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) < 9 {
		return Message{}, memerr.New(memerr.CodeProtocolError, "message too short")
	}
	m := Message{Type: msgType(data[0]), CorrelationID: getUint64(data[1:9])}
	rest := data[9:]

	var err error
	switch m.Type {
	case msgHello, msgPing, msgPong:
		// no payload
	case msgStoreBlock:
		_, m.Data, rest, err = takeBytes(rest)
	case msgStoredBlock, msgRequestBlock, msgFree:
		if len(rest) < 8 {
			return m, memerr.New(memerr.CodeProtocolError, "truncated block id")
		}
		m.BlockID = getUint64(rest[:8])
	case msgBlockData:
		if len(rest) < 8 {
			return m, memerr.New(memerr.CodeProtocolError, "truncated block id")
		}
		m.BlockID = getUint64(rest[:8])
		rest = rest[8:]
		m.HasData, m.Data, rest, err = takeBytes(rest)
	case msgSetKey:
		m.Key, rest, err = takeString(rest)
		if err == nil {
			_, m.Data, rest, err = takeBytes(rest)
		}
	case msgGetKey:
		m.Key, rest, err = takeString(rest)
	case msgKeyFound:
		m.Key, rest, err = takeString(rest)
		if err == nil {
			m.HasData, m.Data, rest, err = takeBytes(rest)
		}
	case msgClose:
		m.CloseReason, rest, err = takeString(rest)
	default:
		return m, memerr.New(memerr.CodeProtocolError, fmt.Sprintf("unknown message type %d", m.Type))
	}
	if err != nil {
		return m, err
	}
	return m, nil
}
