package peermanager

// Exported aliases of the peer-protocol message types controlrpc needs to
// build outbound Message values for remote Store/Set/Get dispatch, without
// exporting the whole msgType catalog (the others, such as Hello, Free,
// Ping/Pong and Close, are internal-only).
const (
	MsgStoreBlock   = msgStoreBlock
	MsgRequestBlock = msgRequestBlock
	MsgSetKey       = msgSetKey
	MsgGetKey       = msgGetKey
)

// IdentityHex returns the peer's hex-encoded identity, for control RPC
// responses (ListPeers) that need a stable string form.
func (p *Peer) IdentityHex() string { return p.identityHex() }
