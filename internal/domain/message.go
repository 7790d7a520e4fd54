package domain

// Message enumerates the control messages a protocol layer exchanges over a
// peer socket. The controller never encodes them; the session layer owns the
// codec.
type Message int

const (
	MsgHandshake Message = iota
	MsgAlive
	MsgAskPeersList
	MsgPeersList
	MsgClose
)

func (m Message) String() string {
	switch m {
	case MsgHandshake:
		return "HANDSHAKE"
	case MsgAlive:
		return "ALIVE"
	case MsgAskPeersList:
		return "ASK_PEERS_LIST"
	case MsgPeersList:
		return "PEERS_LIST"
	case MsgClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}
