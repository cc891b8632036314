package contact

import "fmt"

// Client → server message types.
const (
	MsgCreateRoom  = "create_room"
	MsgSendAddr    = "send_addr"
	MsgDoneSending = "done_sending"
)

// Server → client message types.
const (
	MsgRoomCreated   = "room_created"
	MsgReceivedAddr  = "received_addr"
	MsgClientContact = "client_contact"
	MsgPeerContact   = "peer_contact"

	MsgErrorRoomTaken       = "error_room_taken"
	MsgErrorNoSuchRoomCode  = "error_no_such_room_code"
	MsgErrorPeerTimedOut    = "error_peer_timed_out"
	MsgErrorTooManyRequests = "error_too_many_requests"
	MsgErrorUnexpectedMsg   = "error_unexpected_msg"
	MsgErrorSyntax          = "error_syntax"
)

// ClientMsg is any message a client sends to the rendezvous server.
// Type selects which other fields are meaningful.
type ClientMsg struct {
	Type     string `json:"type"`
	RoomCode uint64 `json:"room_code"`

	// IsCreator distinguishes the two room slots. A client opening both
	// a v4 and a v6 connection repeats the same value on each, so the
	// server can merge them into one slot.
	IsCreator bool `json:"is_creator,omitempty"`

	// Private is the caller's own view of its endpoint for Family.
	// Only meaningful for send_addr; may be nil when the client does not
	// know a local address for that family.
	Private *Endpoint `json:"private,omitempty"`
	Family  Family    `json:"family,omitempty"`
}

// Validate checks structural validity of a decoded client message.
func (m *ClientMsg) Validate() error {
	switch m.Type {
	case MsgCreateRoom, MsgDoneSending:
	case MsgSendAddr:
		if m.Family != FamilyV4 && m.Family != FamilyV6 {
			return fmt.Errorf("send_addr: bad family %q", m.Family)
		}
		if m.Private != nil {
			if err := m.Private.Validate(); err != nil {
				return fmt.Errorf("send_addr: %w", err)
			}
			if m.Private.Family() != m.Family {
				return fmt.Errorf("send_addr: private endpoint family does not match %q", m.Family)
			}
		}
	default:
		return fmt.Errorf("unknown client message type %q", m.Type)
	}
	return nil
}

// ServerMsg is any message the rendezvous server sends to a client.
type ServerMsg struct {
	Type string `json:"type"`

	// Full carries the contact payload of client_contact / peer_contact.
	Full *FullContact `json:"full,omitempty"`
}

// IsError reports whether the message is one of the error replies.
func (m *ServerMsg) IsError() bool {
	switch m.Type {
	case MsgErrorRoomTaken, MsgErrorNoSuchRoomCode, MsgErrorPeerTimedOut,
		MsgErrorTooManyRequests, MsgErrorUnexpectedMsg, MsgErrorSyntax:
		return true
	}
	return false
}
