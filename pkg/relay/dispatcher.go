package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/codesphere/internal/observability"
	"github.com/rs/zerolog"
)

// PersistQueue accepts fire-and-forget field upserts for a session.
// Enqueue must never block: a slow store cannot be allowed to stall
// real-time relay.
type PersistQueue interface {
	Enqueue(sessionID string, fields map[string]interface{})
}

// Dispatcher interprets inbound messages and turns them into session
// state mutations and outbound fan-out. It owns neither state nor
// transport handles; it orchestrates the SessionStore and Registry.
type Dispatcher struct {
	sessions *SessionStore
	registry *Registry
	persist  PersistQueue
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. persist may be nil, in which case
// edits stay in memory only.
func NewDispatcher(sessions *SessionStore, registry *Registry, persist PersistQueue, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		registry: registry,
		persist:  persist,
		logger:   logger,
	}
}

// HandleConnection runs the message loop for one connection until the
// transport closes, then performs disconnect cleanup. It blocks for the
// life of the connection.
func (d *Dispatcher) HandleConnection(ctx context.Context, client *Client) {
	d.registry.Register(client)
	d.sessions.GetOrCreate(ctx, client.SessionID)

	d.logger.Info().
		Str("sessionId", client.SessionID).
		Str("userId", client.UserID).
		Msg("User connected to session")

	defer d.disconnect(client)

	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				d.logger.Error().
					Err(err).
					Str("sessionId", client.SessionID).
					Str("userId", client.UserID).
					Msg("WebSocket error")
			}
			return
		}
		d.handleMessage(client, raw)
	}
}

// handleMessage interprets a single inbound envelope. A malformed
// message is dropped and the connection stays up; only transport
// failures end the message loop.
func (d *Dispatcher) handleMessage(client *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.logger.Warn().
			Err(err).
			Str("sessionId", client.SessionID).
			Str("userId", client.UserID).
			Msg("Dropping malformed message")
		return
	}

	observability.RecordMessage(msg.Type)

	switch msg.Type {
	case MsgJoin:
		d.handleJoin(client, msg)
	case MsgCodeChange:
		d.handleCodeChange(client, msg)
	case MsgLanguageChange:
		d.handleLanguageChange(client, msg)
	case MsgCursorUpdate:
		d.registry.Broadcast(client.SessionID, cursorUpdateMessage{
			Type:     MsgCursorUpdate,
			UserID:   client.UserID,
			Position: msg.Position,
			Username: msg.Username,
		}, client.UserID)
	case MsgWebRTCOffer, MsgWebRTCAnswer, MsgWebRTCICE:
		// Signaling passthrough: relay the envelope verbatim.
		d.registry.Broadcast(client.SessionID, json.RawMessage(raw), client.UserID)
	default:
		d.logger.Debug().
			Str("sessionId", client.SessionID).
			Str("type", msg.Type).
			Msg("Ignoring unrecognized message type")
	}
}

func (d *Dispatcher) handleJoin(client *Client, msg inboundMessage) {
	username := msg.Username
	if username == "" {
		username = "User_" + shortID(client.UserID)
	}

	d.sessions.AddParticipant(client.SessionID, Participant{
		UserID:   client.UserID,
		Username: username,
		JoinedAt: time.Now().UTC(),
	})

	// The joiner gets its state snapshot before any roster-update noise.
	code, language, roster := d.sessions.Snapshot(client.SessionID)
	d.registry.Send(client.SessionID, client.UserID, sessionStateMessage{
		Type:         MsgSessionState,
		Code:         code,
		Language:     language,
		Participants: roster,
	})

	d.registry.Broadcast(client.SessionID, userJoinedMessage{
		Type:         MsgUserJoined,
		UserID:       client.UserID,
		Username:     username,
		Participants: roster,
	}, client.UserID)

	d.registry.Broadcast(client.SessionID, participantsUpdateMessage{
		Type:         MsgParticipantsUpdate,
		Participants: roster,
	}, "")
}

func (d *Dispatcher) handleCodeChange(client *Client, msg inboundMessage) {
	d.sessions.UpdateCode(client.SessionID, msg.Code)

	if d.persist != nil {
		d.persist.Enqueue(client.SessionID, map[string]interface{}{"code": msg.Code})
	}

	d.registry.Broadcast(client.SessionID, codeChangeMessage{
		Type:   MsgCodeChange,
		Code:   msg.Code,
		UserID: client.UserID,
	}, client.UserID)
}

func (d *Dispatcher) handleLanguageChange(client *Client, msg inboundMessage) {
	language := msg.Language
	if language == "" {
		language = DefaultLanguage
	}

	d.sessions.UpdateLanguage(client.SessionID, language)

	if d.persist != nil {
		d.persist.Enqueue(client.SessionID, map[string]interface{}{"language": language})
	}

	d.registry.Broadcast(client.SessionID, languageChangeMessage{
		Type:     MsgLanguageChange,
		Language: language,
		UserID:   client.UserID,
	}, client.UserID)
}

// disconnect tears down a departed connection: the username is resolved
// before roster removal erases it, then the remaining room learns about
// the departure.
func (d *Dispatcher) disconnect(client *Client) {
	// A replaced connection must not tear down the state of the
	// connection that replaced it.
	if current, ok := d.registry.Get(client.SessionID, client.UserID); ok && current != client {
		_ = client.Close()
		d.logger.Debug().
			Str("sessionId", client.SessionID).
			Str("userId", client.UserID).
			Msg("Skipping cleanup for replaced connection")
		return
	}

	var username *string
	for _, p := range d.sessions.Participants(client.SessionID) {
		if p.UserID == client.UserID {
			name := p.Username
			username = &name
			break
		}
	}

	d.registry.Unregister(client)
	_ = client.Close()
	d.sessions.RemoveParticipant(client.SessionID, client.UserID)

	d.registry.Broadcast(client.SessionID, userLeftMessage{
		Type:         MsgUserLeft,
		UserID:       client.UserID,
		Username:     username,
		Participants: d.sessions.Participants(client.SessionID),
	}, "")

	d.logger.Info().
		Str("sessionId", client.SessionID).
		Str("userId", client.UserID).
		Msg("User disconnected from session")
}

func shortID(id string) string {
	if len(id) > 4 {
		return id[:4]
	}
	return id
}
