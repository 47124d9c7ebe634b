package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Inbound message types understood by the dispatcher. Anything else is
// ignored without a broadcast.
const (
	MsgJoin           = "join"
	MsgCodeChange     = "code_change"
	MsgLanguageChange = "language_change"
	MsgCursorUpdate   = "cursor_update"
	MsgWebRTCOffer    = "webrtc_offer"
	MsgWebRTCAnswer   = "webrtc_answer"
	MsgWebRTCICE      = "webrtc_ice"
)

// Outbound message types emitted by the dispatcher.
const (
	MsgSessionState       = "session_state"
	MsgUserJoined         = "user_joined"
	MsgParticipantsUpdate = "participants_update"
	MsgUserLeft           = "user_left"
)

// DefaultLanguage is the language tag a session starts with when the
// client never picked one.
const DefaultLanguage = "javascript"

// Participant is one member of a session roster. Field names follow the
// wire format clients already speak.
type Participant struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// inboundMessage is the decoded envelope of a client message. Unknown
// fields are dropped by encoding/json; type-specific fields simply stay
// zero for other types.
type inboundMessage struct {
	Type     string          `json:"type"`
	Username string          `json:"username"`
	Code     string          `json:"code"`
	Language string          `json:"language"`
	Position json.RawMessage `json:"position"`
}

// sessionStateMessage catches a freshly joined client up to the shared
// buffer. Sent to the joiner only.
type sessionStateMessage struct {
	Type         string        `json:"type"`
	Code         string        `json:"code"`
	Language     string        `json:"language"`
	Participants []Participant `json:"participants"`
}

type userJoinedMessage struct {
	Type         string        `json:"type"`
	UserID       string        `json:"userId"`
	Username     string        `json:"username"`
	Participants []Participant `json:"participants"`
}

type participantsUpdateMessage struct {
	Type         string        `json:"type"`
	Participants []Participant `json:"participants"`
}

type userLeftMessage struct {
	Type         string        `json:"type"`
	UserID       string        `json:"userId"`
	Username     *string       `json:"username"`
	Participants []Participant `json:"participants"`
}

type codeChangeMessage struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	UserID string `json:"userId"`
}

type languageChangeMessage struct {
	Type     string `json:"type"`
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

type cursorUpdateMessage struct {
	Type     string          `json:"type"`
	UserID   string          `json:"userId"`
	Position json.RawMessage `json:"position"`
	Username string          `json:"username"`
}

// Client is a live websocket connection bound to one (session, user)
// pair. gorilla/websocket allows a single concurrent writer, and
// broadcasts can race targeted sends, so all writes go through writeMu.
type Client struct {
	SessionID   string
	UserID      string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	writeMu sync.Mutex
}

// WriteRaw writes a pre-marshaled text message to the connection.
func (c *Client) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.Conn.Close()
}
