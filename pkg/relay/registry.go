package relay

import (
	"encoding/json"
	"sync"

	"github.com/harun/codesphere/internal/observability"
	"github.com/rs/zerolog"
)

// Registry tracks live connections per session. It owns nothing but
// transport handles; roster state lives in the SessionStore.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[string]*Client // session_id -> user_id -> client
	logger zerolog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]map[string]*Client),
		logger: logger,
	}
}

// Register binds a client to its (session, user) pair. A second connect
// for the same pair closes the prior handle before replacing it, so a
// stale connection never lingers as a duplicate broadcast target.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	session, ok := r.conns[client.SessionID]
	if !ok {
		session = make(map[string]*Client)
		r.conns[client.SessionID] = session
	}
	prev := session[client.UserID]
	session[client.UserID] = client
	total := r.count()
	r.mu.Unlock()

	if prev != nil {
		r.logger.Warn().
			Str("sessionId", client.SessionID).
			Str("userId", client.UserID).
			Msg("Replacing existing connection for user")
		_ = prev.Close()
	}

	observability.SetConnectedClients(total)
}

// Unregister removes the binding for a (session, user) pair. It is a
// no-op if the registered client is not the one given, which happens
// when a replaced connection finishes its cleanup after the
// replacement already registered.
func (r *Registry) Unregister(client *Client) {
	r.mu.Lock()
	if session, ok := r.conns[client.SessionID]; ok {
		if session[client.UserID] == client {
			delete(session, client.UserID)
		}
		if len(session) == 0 {
			delete(r.conns, client.SessionID)
		}
	}
	total := r.count()
	r.mu.Unlock()

	observability.SetConnectedClients(total)
}

// Broadcast delivers a message to every registered connection in the
// session except excludeUserID (pass "" to exclude nobody). Delivery is
// best-effort: a failed recipient is logged and skipped, never aborting
// the fan-out.
func (r *Registry) Broadcast(sessionID string, payload interface{}, excludeUserID string) {
	data, err := marshalPayload(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to marshal broadcast")
		return
	}

	r.mu.RLock()
	session := r.conns[sessionID]
	targets := make([]*Client, 0, len(session))
	for userID, client := range session {
		if excludeUserID != "" && userID == excludeUserID {
			continue
		}
		targets = append(targets, client)
	}
	r.mu.RUnlock()

	failures := 0
	for _, client := range targets {
		if err := client.WriteRaw(data); err != nil {
			r.logger.Warn().
				Err(err).
				Str("sessionId", sessionID).
				Str("userId", client.UserID).
				Msg("Failed to broadcast to client")
			failures++
		}
	}

	observability.RecordBroadcast(len(targets), failures)
}

// Send delivers a message to exactly one registered connection. It is a
// silent no-op when the recipient is gone; the recipient may have
// disconnected between decision and send.
func (r *Registry) Send(sessionID, userID string, payload interface{}) {
	r.mu.RLock()
	var client *Client
	if session, ok := r.conns[sessionID]; ok {
		client = session[userID]
	}
	r.mu.RUnlock()

	if client == nil {
		return
	}

	data, err := marshalPayload(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to marshal message")
		return
	}

	if err := client.WriteRaw(data); err != nil {
		r.logger.Warn().
			Err(err).
			Str("sessionId", sessionID).
			Str("userId", userID).
			Msg("Failed to send to client")
	}
}

// Get returns the registered client for a (session, user) pair.
func (r *Registry) Get(sessionID, userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.conns[sessionID]
	if !ok {
		return nil, false
	}
	client, ok := session[userID]
	return client, ok
}

// Count returns the total number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.count()
}

// SessionCount returns the number of registered connections in one session.
func (r *Registry) SessionCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns[sessionID])
}

// All returns every registered client across all sessions.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, r.count())
	for _, session := range r.conns {
		for _, client := range session {
			clients = append(clients, client)
		}
	}
	return clients
}

func (r *Registry) count() int {
	total := 0
	for _, session := range r.conns {
		total += len(session)
	}
	return total
}

// marshalPayload marshals once per fan-out. Raw JSON passes through
// untouched so webrtc signaling relays verbatim.
func marshalPayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
