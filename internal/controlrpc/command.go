// Command/Response types for the control RPC server of spec.md §4.8.
//
// Confirmed field-for-field against original_source/memnode/src/rpc.rs's
// SdkCommand/SdkResponse tagged enums (Store, StoreRemote, Load, Free,
// ListPeers, Connect, UpdatePeerQuota, Disconnect, Set, Get, ListKeys,
// Stat, StreamStart, StreamChunk, StreamFinish, Flush, TrustList,
// TrustRemove, ConsentList, ConsentApprove, ConsentDeny) — that file is
// the single most authoritative source for this surface; it confirms
// spec.md §4.8's table is this exact RPC restated under Go-idiomatic
// names.
package controlrpc

// Command is the control RPC request envelope. Cmd selects which fields
// are meaningful, mirroring the original's `#[serde(tag = "cmd")]` enum
// via a flat Go struct (the idiomatic encoding/json analog: one type,
// optional fields, a string discriminator) instead of a tagged union type.
type Command struct {
	Cmd string `json:"cmd"`

	Data       []byte `json:"data,omitempty"`
	ID         uint64 `json:"id,omitempty"`
	Key        string `json:"key,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	Target     string `json:"target,omitempty"`
	Address    string `json:"address,omitempty"`
	Quota      uint64 `json:"quota,omitempty"`
	PeerID     string `json:"peer_id,omitempty"`
	StreamID   string `json:"stream_id,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
	SizeHint   int64  `json:"size_hint,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Decision   string `json:"decision,omitempty"`
	TrustAlways bool  `json:"trust_always,omitempty"`
}

// Response is the control RPC response envelope. Res selects which
// fields are meaningful, matching original_source's SdkResponse catalog.
type Response struct {
	Res string `json:"res"`

	ID        uint64         `json:"id,omitempty"`
	Data      []byte         `json:"data,omitempty"`
	Items     []string       `json:"items,omitempty"`
	Peers     []PeerInfo     `json:"peers,omitempty"`
	StreamID  string         `json:"stream_id,omitempty"`
	Blocks    int            `json:"blocks,omitempty"`
	PeerCount int            `json:"peer_count,omitempty"`
	MemoryUsedBytes int64    `json:"memory_used_bytes,omitempty"`
	Trusted   []TrustedView  `json:"trusted,omitempty"`
	Pending   []PendingView  `json:"pending,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	ErrorMsg  string         `json:"error_msg,omitempty"`
}

// PeerInfo is the wire shape of one ListPeers entry.
type PeerInfo struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Quota    uint64 `json:"quota"`
	Used     uint64 `json:"used"`
	Status   string `json:"status"`
}

// TrustedView is the wire shape of one trust-list entry.
type TrustedView struct {
	Identity     string `json:"identity"`
	Name         string `json:"name"`
	TrustedSince string `json:"trusted_since"`
}

// PendingView is the wire shape of one pending-consent entry.
type PendingView struct {
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
	Name      string `json:"name"`
	Address   string `json:"address"`
}

// Response helper constructors, one per response shape in spec.md §4.8's
// table, keeping call sites in server.go terse.

func stored(id uint64) Response      { return Response{Res: "Stored", ID: id} }
func loaded(data []byte) Response    { return Response{Res: "Loaded", Data: data} }
func success() Response              { return Response{Res: "Success"} }
func list(items []string) Response   { return Response{Res: "List", Items: items} }
func streamStarted(id string) Response { return Response{Res: "StreamStarted", StreamID: id} }
func errResponse(code, msg string) Response {
	return Response{Res: "Error", ErrorCode: code, ErrorMsg: msg}
}
