package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
)

func turn(i int) conversation.Conversation {
	return conversation.Conversation{
		conversation.User(fmt.Sprintf("question %d", i)),
		conversation.Assistant(fmt.Sprintf("answer %d", i)),
	}
}

func toolTurn(i int) conversation.Conversation {
	id := fmt.Sprintf("c%d", i)
	return conversation.Conversation{
		conversation.User(fmt.Sprintf("read %d", i)),
		conversation.AssistantToolCalls("", []conversation.ToolCallRequest{{ID: id, Name: "read_file"}}),
		conversation.ToolResult(id, "read_file", "data"),
		conversation.Assistant(fmt.Sprintf("done %d", i)),
	}
}

func TestResolveEmptyIDCreatesSession(t *testing.T) {
	store := NewStore()
	id, conv, err := store.Resolve("")
	require.NoError(t, err)
	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr)
	assert.NotNil(t, conv)
	assert.Empty(t, conv)
	assert.Equal(t, 1, store.Len())

	other, _, err := store.Resolve("")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestResolveUnknownID(t *testing.T) {
	store := NewStore()
	_, _, err := store.Resolve("does-not-exist")
	require.ErrorIs(t, err, ErrUnknownSession)
	assert.Zero(t, store.Len())
}

func TestCommitAndResolveRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewStore(WithClock(func() time.Time { return now }), WithIDGenerator(func() string { return "fixed" }))

	id, conv, err := store.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "fixed", id)

	conv = append(conv, turn(1)...)
	require.NoError(t, store.Commit(id, conv))

	_, got, err := store.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, conv, got)

	got[0].Content = "mutated"
	_, again, _ := store.Resolve(id)
	assert.Equal(t, "question 1", again[0].Content)

	snap, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, now, snap.LastUsed)
	turns, err := store.Turns(id)
	require.NoError(t, err)
	assert.Equal(t, 1, turns)
}

func TestCommitUnknownSession(t *testing.T) {
	require.ErrorIs(t, NewStore().Commit("nope", turn(1)), ErrUnknownSession)
}

func TestRetentionDropsOldestPairs(t *testing.T) {
	store := NewStore()
	id, conv, err := store.Resolve("")
	require.NoError(t, err)
	conv = append(conv, conversation.System("sys"))
	for i := 1; i <= 11; i++ {
		conv = append(conv, turn(i)...)
	}
	require.NoError(t, store.Commit(id, conv))

	_, got, err := store.Resolve(id)
	require.NoError(t, err)
	require.Len(t, got, 1+2*DefaultMaxTurns)
	assert.Equal(t, conversation.RoleSystem, got[0].Role)
	assert.Equal(t, "question 2", got[1].Content)
	assert.Equal(t, "answer 11", got[len(got)-1].Content)

	turns, _ := store.Turns(id)
	assert.Equal(t, DefaultMaxTurns, turns)
}

func TestTrimKeepsToolGroupsIntact(t *testing.T) {
	var conv conversation.Conversation
	for i := 1; i <= 4; i++ {
		conv = append(conv, toolTurn(i)...)
	}
	trimmed := Trim(conv, 2)
	require.NoError(t, trimmed.Validate())
	require.Len(t, trimmed, 8)
	assert.Equal(t, "read 3", trimmed[0].Content)
	assert.Equal(t, 2, CountTurns(trimmed))
}

func TestTrimKeepsSystemMessages(t *testing.T) {
	conv := conversation.Conversation{conversation.System("a")}
	conv = append(conv, turn(1)...)
	conv = append(conv, conversation.System("b"))
	conv = append(conv, turn(2)...)

	trimmed := Trim(conv, 1)
	require.Len(t, trimmed, 4)
	assert.Equal(t, "a", trimmed[0].Content)
	assert.Equal(t, "b", trimmed[1].Content)
	assert.Equal(t, "question 2", trimmed[2].Content)
}

func TestWithMaxTurns(t *testing.T) {
	store := NewStore(WithMaxTurns(1))
	id, _, _ := store.Resolve("")
	require.NoError(t, store.Commit(id, append(turn(1), turn(2)...)))
	_, got, _ := store.Resolve(id)
	assert.Len(t, got, 2)
}

func TestEvictAndIDs(t *testing.T) {
	n := 0
	store := NewStore(WithIDGenerator(func() string { n++; return fmt.Sprintf("s%d", n) }))
	_, _, _ = store.Resolve("")
	_, _, _ = store.Resolve("")
	assert.Equal(t, []string{"s1", "s2"}, store.IDs())

	store.Evict("s1")
	store.Evict("missing")
	assert.Equal(t, []string{"s2"}, store.IDs())
	_, _, err := store.Resolve("s1")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestLockSerialisesSameSession(t *testing.T) {
	store := NewStore()
	a, _, _ := store.Resolve("")
	b, _, _ := store.Resolve("")
	ctx := context.Background()

	unlock, err := store.Lock(ctx, a)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = store.Lock(short, a)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockB, err := store.Lock(ctx, b)
	require.NoError(t, err)
	unlockB()

	unlock()
	unlock()
	again, err := store.Lock(ctx, a)
	require.NoError(t, err)
	again()

	_, err = store.Lock(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func sequentialIDs() func() string {
	n := 0
	return func() string { n++; return fmt.Sprintf("s%d", n) }
}

func TestMaxSessionsEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewStore(WithMaxSessions(2), WithIDGenerator(sequentialIDs()))
	_, _, _ = store.Resolve("")
	_, _, _ = store.Resolve("")

	// Touching s1 makes s2 the eviction candidate.
	_, _, err := store.Resolve("s1")
	require.NoError(t, err)
	_, _, _ = store.Resolve("")
	assert.Equal(t, []string{"s1", "s3"}, store.IDs())
}

func TestMaxSessionsSkipsBusySessions(t *testing.T) {
	store := NewStore(WithMaxSessions(1), WithIDGenerator(sequentialIDs()))
	_, _, _ = store.Resolve("")
	unlock, err := store.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	id, _, err := store.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "s2", id)
	assert.Equal(t, []string{"s1", "s2"}, store.IDs(), "a busy session and the new one both survive")
}

func TestIdleTTLExpiresSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(
		WithIdleTTL(time.Hour),
		WithClock(func() time.Time { return now }),
		WithIDGenerator(sequentialIDs()),
	)
	_, _, _ = store.Resolve("")
	_, _, _ = store.Resolve("")

	now = now.Add(30 * time.Minute)
	require.NoError(t, store.Commit("s2", turn(1)))

	now = now.Add(45 * time.Minute)
	_, _, err := store.Resolve("s1")
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, conv, err := store.Resolve("s2")
	require.NoError(t, err)
	assert.Len(t, conv, 2)

	now = now.Add(2 * time.Hour)
	_, _, _ = store.Resolve("")
	assert.Equal(t, []string{"s3"}, store.IDs(), "expired sessions are swept when a session is created")
}
