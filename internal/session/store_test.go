package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestNewStore_RequiresDir(t *testing.T) {
	_, err := NewStore("", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session directory is required")
}

func TestCreate(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Create(context.Background(), "I need a bike loan of 50000")
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, 0, sess.StepIndex)
	assert.Equal(t, "I need a bike loan of 50000", sess.Request)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestCreate_UniqueIDs(t *testing.T) {
	store := newTestStore(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		sess, err := store.Create(context.Background(), "request")
		require.NoError(t, err)
		assert.False(t, seen[sess.ID], "duplicate id %s", sess.ID)
		seen[sess.ID] = true
	}
}

func TestSnapshotResume_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.Create(ctx, "loan request")
	require.NoError(t, err)

	sess.StepIndex = 3
	sess.SetData("loan_amount", "500000")
	sess.SetData("user_city", "Mumbai")
	sess.AddHistory("system", "What is the loan amount?")
	sess.AddHistory("user", "500000")
	rec := sess.AttemptRecordFor("loan_amount", "What is the loan amount?")
	rec.Attempts = append(rec.Attempts, Attempt{Number: 1, Response: "ten dollars"})
	require.NoError(t, store.Snapshot(ctx, sess))

	loaded, err := store.Resume(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, 3, loaded.StepIndex)
	assert.Equal(t, map[string]string{"loan_amount": "500000", "user_city": "Mumbai"}, loaded.CollectedData)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "system", loaded.History[0].Speaker)
	require.Contains(t, loaded.AttemptState, "loan_amount")
	assert.Equal(t, 1, loaded.AttemptState["loan_amount"].Count())
}

func TestResume_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Resume(context.Background(), "wf_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResume_CompletedNotResumable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.Create(ctx, "request")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, sess, "approved"))

	_, err = store.Resume(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotResumable)

	// No mutation: stored snapshot keeps its terminal state.
	loaded, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, "approved", loaded.FinalResult)
}

func TestResume_EndedByUserNotResumable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.Create(ctx, "request")
	require.NoError(t, err)
	require.NoError(t, store.MarkEndedByUser(ctx, sess, "declined escalation"))

	_, err = store.Resume(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotResumable)
}

func TestTerminalTransitions_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.Create(ctx, "request")
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, sess, "approved"))
	firstCompleted := *sess.CompletedAt
	require.NoError(t, store.Complete(ctx, sess, "approved again"))
	assert.Equal(t, firstCompleted, *sess.CompletedAt)
	assert.Equal(t, "approved", sess.FinalResult)

	// Crossing terminal states is rejected.
	err = store.MarkEndedByUser(ctx, sess, "changed mind")
	require.ErrorIs(t, err, ErrSessionTerminal)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestMarkEndedByUser_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.Create(ctx, "request")
	require.NoError(t, err)

	require.NoError(t, store.MarkEndedByUser(ctx, sess, "declined"))
	require.NoError(t, store.MarkEndedByUser(ctx, sess, "declined twice"))
	assert.Equal(t, "declined", sess.EndReason)
}

func TestMarkInterrupted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	active, err := store.Create(ctx, "active one")
	require.NoError(t, err)
	active.StepIndex = 2
	require.NoError(t, store.Snapshot(ctx, active))

	done, err := store.Create(ctx, "finished one")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, done, "approved"))

	store.MarkInterrupted(ctx)

	loaded, err := store.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, loaded.Status)
	assert.Equal(t, 2, loaded.StepIndex)
	assert.NotNil(t, loaded.InterruptedAt)

	// Terminal session is never downgraded.
	loadedDone, err := store.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loadedDone.Status)
}

func TestInterruptedSessionResumes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.Create(ctx, "request")
	require.NoError(t, err)
	sess.StepIndex = 4
	require.NoError(t, store.Snapshot(ctx, sess))
	store.MarkInterrupted(ctx)

	loaded, err := store.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, loaded.Status)
	assert.Equal(t, 4, loaded.StepIndex)
}

func TestSnapshot_NoPartialFilesLeftBehind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	sess, err := store.Create(ctx, "request")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		sess.StepIndex = i
		require.NoError(t, store.Snapshot(ctx, sess))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sess.ID+".json", entries[0].Name())
	assert.Equal(t, filepath.Ext(entries[0].Name()), ".json")
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.Create(ctx, "first request")
	require.NoError(t, err)
	second, err := store.Create(ctx, "second request")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, second, "done"))

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := make(map[string]Summary)
	for _, sum := range summaries {
		byID[sum.ID] = sum
	}
	assert.Equal(t, StatusActive, byID[first.ID].Status)
	assert.Equal(t, StatusCompleted, byID[second.ID].Status)
}
