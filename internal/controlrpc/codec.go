// Wire codec for control RPC payloads. spec.md §6 requires the server to
// accept both JSON and a compact binary tagged form, disambiguated by the
// first byte of the frame body (`{` selects JSON, anything else selects
// binary). JSON uses encoding/json directly against Command/Response,
// which already carry `json:"..."` tags. The binary form is a compact,
// field-ordered encoding of the same structs (except Response's Trusted
// and Pending lists, which it leaves out) — not per-command-shaped
// like original_source/memnode/src/rpc.rs's rmp_serde (MessagePack)
// encoding, since this module has no MessagePack dependency in the
// teacher's or pack's stack; instead it is a small hand-rolled TLV-free
// sequential encoding, which is all the "compact binary form" requirement
// asks for.
package controlrpc

import (
	"encoding/binary"
	"encoding/json"

	"github.com/ssd-technologies/memcloud/internal/memerr"
)

func isJSON(body []byte) bool {
	return len(body) > 0 && body[0] == '{'
}

// DecodeCommand parses a request frame body in either JSON or binary form.
func DecodeCommand(body []byte) (Command, error) {
	if isJSON(body) {
		var c Command
		if err := json.Unmarshal(body, &c); err != nil {
			return Command{}, memerr.Wrap(memerr.CodeProtocolError, "decode json command", err)
		}
		return c, nil
	}
	return decodeCommandBinary(body)
}

// EncodeResponse serializes resp, matching the request's wire form
// (asJSON controls the choice, normally copied from the request).
func EncodeResponse(resp Response, asJSON bool) ([]byte, error) {
	if asJSON {
		data, err := json.Marshal(resp)
		if err != nil {
			return nil, memerr.Wrap(memerr.CodeProtocolError, "encode json response", err)
		}
		return data, nil
	}
	return encodeResponseBinary(resp), nil
}

// EncodeCommand serializes cmd for a client to send, in either form.
// memnodectl defaults to JSON, since it is the human-debuggable form.
func EncodeCommand(cmd Command, asJSON bool) ([]byte, error) {
	if asJSON {
		data, err := json.Marshal(cmd)
		if err != nil {
			return nil, memerr.Wrap(memerr.CodeProtocolError, "encode json command", err)
		}
		return data, nil
	}
	return encodeCommandBinary(cmd), nil
}

// DecodeResponse parses a response frame body in either JSON or binary form.
func DecodeResponse(body []byte) (Response, error) {
	if isJSON(body) {
		var r Response
		if err := json.Unmarshal(body, &r); err != nil {
			return Response{}, memerr.Wrap(memerr.CodeProtocolError, "decode json response", err)
		}
		return r, nil
	}
	return decodeResponseBinary(body)
}

// --- binary form ---
//
// Sequential fields, every field written in a fixed order with no presence
// flags (absent fields go out as their zero value). Strings and byte
// slices are length-prefixed (2-byte for strings, 4-byte for []byte since
// block payloads can be large). Response's Trusted and Pending lists are
// not part of the binary form; only JSON carries them.

type binWriter struct{ buf []byte }

func (w *binWriter) str(s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	w.buf = append(w.buf, l[:]...)
	w.buf = append(w.buf, s...)
}

func (w *binWriter) bytes(b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.buf = append(w.buf, l[:]...)
	w.buf = append(w.buf, b...)
}

func (w *binWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *binWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *binWriter) boolean(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

type binReader struct {
	buf []byte
	pos int
}

func (r *binReader) str() (string, error) {
	if len(r.buf)-r.pos < 2 {
		return "", memerr.New(memerr.CodeProtocolError, "truncated binary string length")
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2]))
	r.pos += 2
	if len(r.buf)-r.pos < n {
		return "", memerr.New(memerr.CodeProtocolError, "truncated binary string body")
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *binReader) bytes() ([]byte, error) {
	if len(r.buf)-r.pos < 4 {
		return nil, memerr.New(memerr.CodeProtocolError, "truncated binary bytes length")
	}
	n := int(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	if len(r.buf)-r.pos < n {
		return nil, memerr.New(memerr.CodeProtocolError, "truncated binary bytes body")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *binReader) u64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, memerr.New(memerr.CodeProtocolError, "truncated binary u64")
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *binReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *binReader) boolean() (bool, error) {
	if len(r.buf)-r.pos < 1 {
		return false, memerr.New(memerr.CodeProtocolError, "truncated binary bool")
	}
	v := r.buf[r.pos] == 1
	r.pos++
	return v, nil
}

func decodeCommandBinary(body []byte) (Command, error) {
	r := &binReader{buf: body}
	var c Command
	var err error
	if c.Cmd, err = r.str(); err != nil {
		return c, err
	}
	if c.Data, err = r.bytes(); err != nil {
		return c, err
	}
	if c.ID, err = r.u64(); err != nil {
		return c, err
	}
	if c.Key, err = r.str(); err != nil {
		return c, err
	}
	if c.Pattern, err = r.str(); err != nil {
		return c, err
	}
	if c.Target, err = r.str(); err != nil {
		return c, err
	}
	if c.Address, err = r.str(); err != nil {
		return c, err
	}
	if c.Quota, err = r.u64(); err != nil {
		return c, err
	}
	if c.PeerID, err = r.str(); err != nil {
		return c, err
	}
	if c.StreamID, err = r.str(); err != nil {
		return c, err
	}
	if c.Seq, err = r.u64(); err != nil {
		return c, err
	}
	if c.SizeHint, err = r.i64(); err != nil {
		return c, err
	}
	if c.SessionID, err = r.str(); err != nil {
		return c, err
	}
	if c.Decision, err = r.str(); err != nil {
		return c, err
	}
	if c.TrustAlways, err = r.boolean(); err != nil {
		return c, err
	}
	return c, nil
}

func encodeCommandBinary(c Command) []byte {
	w := &binWriter{}
	w.str(c.Cmd)
	w.bytes(c.Data)
	w.u64(c.ID)
	w.str(c.Key)
	w.str(c.Pattern)
	w.str(c.Target)
	w.str(c.Address)
	w.u64(c.Quota)
	w.str(c.PeerID)
	w.str(c.StreamID)
	w.u64(c.Seq)
	w.i64(c.SizeHint)
	w.str(c.SessionID)
	w.str(c.Decision)
	w.boolean(c.TrustAlways)
	return w.buf
}

func encodeResponseBinary(r Response) []byte {
	w := &binWriter{}
	w.str(r.Res)
	w.u64(r.ID)
	w.bytes(r.Data)
	w.u64(uint64(len(r.Items)))
	for _, it := range r.Items {
		w.str(it)
	}
	w.u64(uint64(len(r.Peers)))
	for _, p := range r.Peers {
		w.str(p.Identity)
		w.str(p.Name)
		w.str(p.Address)
		w.u64(p.Quota)
		w.u64(p.Used)
		w.str(p.Status)
	}
	w.str(r.StreamID)
	w.u64(uint64(r.Blocks))
	w.u64(uint64(r.PeerCount))
	w.i64(r.MemoryUsedBytes)
	w.str(r.ErrorCode)
	w.str(r.ErrorMsg)
	return w.buf
}

func decodeResponseBinary(body []byte) (Response, error) {
	r := &binReader{buf: body}
	var resp Response
	var err error
	if resp.Res, err = r.str(); err != nil {
		return resp, err
	}
	if resp.ID, err = r.u64(); err != nil {
		return resp, err
	}
	if resp.Data, err = r.bytes(); err != nil {
		return resp, err
	}
	n, err := r.u64()
	if err != nil {
		return resp, err
	}
	for i := uint64(0); i < n; i++ {
		s, err := r.str()
		if err != nil {
			return resp, err
		}
		resp.Items = append(resp.Items, s)
	}
	pn, err := r.u64()
	if err != nil {
		return resp, err
	}
	for i := uint64(0); i < pn; i++ {
		var p PeerInfo
		if p.Identity, err = r.str(); err != nil {
			return resp, err
		}
		if p.Name, err = r.str(); err != nil {
			return resp, err
		}
		if p.Address, err = r.str(); err != nil {
			return resp, err
		}
		if p.Quota, err = r.u64(); err != nil {
			return resp, err
		}
		if p.Used, err = r.u64(); err != nil {
			return resp, err
		}
		if p.Status, err = r.str(); err != nil {
			return resp, err
		}
		resp.Peers = append(resp.Peers, p)
	}
	if resp.StreamID, err = r.str(); err != nil {
		return resp, err
	}
	blocks, err := r.u64()
	if err != nil {
		return resp, err
	}
	resp.Blocks = int(blocks)
	peerCount, err := r.u64()
	if err != nil {
		return resp, err
	}
	resp.PeerCount = int(peerCount)
	if resp.MemoryUsedBytes, err = r.i64(); err != nil {
		return resp, err
	}
	if resp.ErrorCode, err = r.str(); err != nil {
		return resp, err
	}
	if resp.ErrorMsg, err = r.str(); err != nil {
		return resp, err
	}
	return resp, nil
}
