package relay

import (
	"context"
	"sync"

	"github.com/harun/codesphere/internal/observability"
	"github.com/harun/codesphere/pkg/store"
	"github.com/rs/zerolog"
)

// SessionLoader hydrates session metadata from durable storage.
// *store.Store satisfies it; tests substitute fakes.
type SessionLoader interface {
	Load(ctx context.Context, sessionID string) (*store.SessionRecord, bool, error)
}

// sessionState is the in-memory shared state of one session.
type sessionState struct {
	code         string
	language     string
	participants []Participant
}

// SessionStore owns the shared state of every active session: buffer
// contents, language tag, and the participant roster. Sessions are
// hydrated lazily on first touch and live for the rest of the process;
// unbounded growth is an accepted limitation of the single-process
// topology.
type SessionStore struct {
	mu     sync.RWMutex
	states map[string]*sessionState
	loader SessionLoader
	logger zerolog.Logger
}

// NewSessionStore creates an empty session store. loader may be nil, in
// which case unknown sessions always start from defaults.
func NewSessionStore(loader SessionLoader, logger zerolog.Logger) *SessionStore {
	return &SessionStore{
		states: make(map[string]*sessionState),
		loader: loader,
		logger: logger,
	}
}

// GetOrCreate ensures the session exists in memory, loading it from the
// persistence collaborator on first touch. Absence is never an error:
// a missing record degrades to a fresh default session.
func (s *SessionStore) GetOrCreate(ctx context.Context, sessionID string) {
	s.mu.RLock()
	_, ok := s.states[sessionID]
	s.mu.RUnlock()
	if ok {
		return
	}

	state := &sessionState{language: DefaultLanguage}
	if s.loader != nil {
		record, found, err := s.loader.Load(ctx, sessionID)
		if err != nil {
			s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to load session, starting fresh")
		} else if found {
			state.code = record.Code
			state.language = record.Language
		}
	}

	s.mu.Lock()
	// Another connection may have hydrated concurrently; first one wins.
	if _, ok := s.states[sessionID]; !ok {
		s.states[sessionID] = state
	}
	count := len(s.states)
	s.mu.Unlock()

	observability.SetActiveSessions(count)
}

// UpdateCode replaces the shared buffer contents. Any string is
// accepted; the caller triggers the paired persistence write.
func (s *SessionStore) UpdateCode(sessionID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[sessionID]; ok {
		state.code = code
	}
}

// UpdateLanguage replaces the advisory language tag.
func (s *SessionStore) UpdateLanguage(sessionID, language string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[sessionID]; ok {
		state.language = language
	}
}

// AddParticipant appends a participant to the roster, preserving join
// order. Idempotent: a user already present is left untouched.
func (s *SessionStore) AddParticipant(sessionID string, participant Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[sessionID]
	if !ok {
		return
	}
	for _, p := range state.participants {
		if p.UserID == participant.UserID {
			return
		}
	}
	state.participants = append(state.participants, participant)
}

// RemoveParticipant removes a participant by user ID. No-op if absent.
func (s *SessionStore) RemoveParticipant(sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[sessionID]
	if !ok {
		return
	}
	kept := state.participants[:0]
	for _, p := range state.participants {
		if p.UserID != userID {
			kept = append(kept, p)
		}
	}
	state.participants = kept
}

// Participants returns the roster in join order. Unknown sessions yield
// an empty roster. The slice is a copy; callers may hold it across
// further mutations.
func (s *SessionStore) Participants(sessionID string) []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[sessionID]
	if !ok {
		return []Participant{}
	}
	roster := make([]Participant, len(state.participants))
	copy(roster, state.participants)
	return roster
}

// Snapshot returns the current code, language, and roster in one
// consistent read.
func (s *SessionStore) Snapshot(sessionID string) (code, language string, participants []Participant) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[sessionID]
	if !ok {
		return "", DefaultLanguage, []Participant{}
	}
	roster := make([]Participant, len(state.participants))
	copy(roster, state.participants)
	return state.code, state.language, roster
}

// Len returns the number of sessions held in memory.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.states)
}
