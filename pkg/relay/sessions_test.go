package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/codesphere/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	records map[string]store.SessionRecord
	err     error
	calls   int
}

func (f *fakeLoader) Load(_ context.Context, sessionID string) (*store.SessionRecord, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	record, ok := f.records[sessionID]
	if !ok {
		return nil, false, nil
	}
	return &record, true, nil
}

func TestSessionStoreDefaults(t *testing.T) {
	sessions := NewSessionStore(nil, zerolog.Nop())
	sessions.GetOrCreate(context.Background(), "s1")

	code, language, roster := sessions.Snapshot("s1")
	assert.Equal(t, "", code)
	assert.Equal(t, DefaultLanguage, language)
	assert.Empty(t, roster)
	assert.Equal(t, 1, sessions.Len())
}

func TestSessionStoreHydratesFromLoader(t *testing.T) {
	loader := &fakeLoader{records: map[string]store.SessionRecord{
		"s1": {SessionID: "s1", Code: "print(1)", Language: "python"},
	}}
	sessions := NewSessionStore(loader, zerolog.Nop())

	sessions.GetOrCreate(context.Background(), "s1")

	code, language, _ := sessions.Snapshot("s1")
	assert.Equal(t, "print(1)", code)
	assert.Equal(t, "python", language)

	// Second touch must not hit the loader again.
	sessions.GetOrCreate(context.Background(), "s1")
	assert.Equal(t, 1, loader.calls)
}

func TestSessionStoreLoaderErrorDegradesToDefault(t *testing.T) {
	loader := &fakeLoader{err: errors.New("db down")}
	sessions := NewSessionStore(loader, zerolog.Nop())

	sessions.GetOrCreate(context.Background(), "s1")

	code, language, _ := sessions.Snapshot("s1")
	assert.Equal(t, "", code)
	assert.Equal(t, DefaultLanguage, language)
}

func TestSessionStoreUpdatesFields(t *testing.T) {
	sessions := NewSessionStore(nil, zerolog.Nop())
	sessions.GetOrCreate(context.Background(), "s1")

	sessions.UpdateCode("s1", "x = 1")
	sessions.UpdateLanguage("s1", "python")

	code, language, _ := sessions.Snapshot("s1")
	assert.Equal(t, "x = 1", code)
	assert.Equal(t, "python", language)

	// Updates against unknown sessions are no-ops.
	sessions.UpdateCode("ghost", "y = 2")
	assert.Equal(t, 1, sessions.Len())
}

func TestSessionStoreAddParticipantIdempotent(t *testing.T) {
	sessions := NewSessionStore(nil, zerolog.Nop())
	sessions.GetOrCreate(context.Background(), "s1")

	now := time.Now().UTC()
	sessions.AddParticipant("s1", Participant{UserID: "u1", Username: "alice", JoinedAt: now})
	sessions.AddParticipant("s1", Participant{UserID: "u2", Username: "bob", JoinedAt: now})
	sessions.AddParticipant("s1", Participant{UserID: "u1", Username: "imposter", JoinedAt: now})

	roster := sessions.Participants("s1")
	require.Len(t, roster, 2)
	assert.Equal(t, "u1", roster[0].UserID)
	assert.Equal(t, "alice", roster[0].Username)
	assert.Equal(t, "u2", roster[1].UserID)
}

func TestSessionStoreRemoveParticipant(t *testing.T) {
	sessions := NewSessionStore(nil, zerolog.Nop())
	sessions.GetOrCreate(context.Background(), "s1")

	now := time.Now().UTC()
	sessions.AddParticipant("s1", Participant{UserID: "u1", Username: "alice", JoinedAt: now})
	sessions.AddParticipant("s1", Participant{UserID: "u2", Username: "bob", JoinedAt: now})

	sessions.RemoveParticipant("s1", "u1")

	roster := sessions.Participants("s1")
	require.Len(t, roster, 1)
	assert.Equal(t, "u2", roster[0].UserID)

	// Removing an absent participant is a no-op.
	sessions.RemoveParticipant("s1", "ghost")
	sessions.RemoveParticipant("nope", "u2")
	assert.Len(t, sessions.Participants("s1"), 1)
}

func TestSessionStoreParticipantsUnknownSession(t *testing.T) {
	sessions := NewSessionStore(nil, zerolog.Nop())

	roster := sessions.Participants("nope")
	assert.NotNil(t, roster)
	assert.Empty(t, roster)
}

func TestSessionStoreRosterCopyIsolated(t *testing.T) {
	sessions := NewSessionStore(nil, zerolog.Nop())
	sessions.GetOrCreate(context.Background(), "s1")
	sessions.AddParticipant("s1", Participant{UserID: "u1", Username: "alice"})

	roster := sessions.Participants("s1")
	roster[0].Username = "mallory"

	fresh := sessions.Participants("s1")
	assert.Equal(t, "alice", fresh[0].Username)
}
