package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFileMailbox(t *testing.T) *FileMailbox {
	t.Helper()
	m, err := NewFileMailbox(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return m
}

func newTestEscalation(id string) *Escalation {
	return &Escalation{
		ID:            id,
		SessionID:     "wf_test",
		ContextKey:    "user_identity",
		Question:      "Please provide your PAN or Aadhaar.",
		LastUserInput: "i lost my card",
		FailureCount:  3,
		Priority:      PriorityHigh,
		Status:        StatusWaiting,
		CreatedAt:     time.Now(),
	}
}

func TestFileMailbox_PutGetEscalation(t *testing.T) {
	ctx := context.Background()
	m := newTestFileMailbox(t)

	esc := newTestEscalation("esc_1")
	require.NoError(t, m.PutEscalation(ctx, esc))

	got, err := m.GetEscalation(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, "wf_test", got.SessionID)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, PriorityHigh, got.Priority)
}

func TestFileMailbox_GetUnknown(t *testing.T) {
	m := newTestFileMailbox(t)
	_, err := m.GetEscalation(context.Background(), "esc_missing")
	require.ErrorIs(t, err, ErrEscalationNotFound)
}

func TestFileMailbox_UpdateEscalation(t *testing.T) {
	ctx := context.Background()
	m := newTestFileMailbox(t)

	esc := newTestEscalation("esc_1")
	require.NoError(t, m.PutEscalation(ctx, esc))

	esc.Status = StatusResolved
	esc.Response = "use ABCDE1234F"
	require.NoError(t, m.UpdateEscalation(ctx, esc))

	got, err := m.GetEscalation(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "use ABCDE1234F", got.Response)

	err = m.UpdateEscalation(ctx, newTestEscalation("esc_unknown"))
	require.ErrorIs(t, err, ErrEscalationNotFound)
}

func TestFileMailbox_ListByStatus(t *testing.T) {
	ctx := context.Background()
	m := newTestFileMailbox(t)

	waiting := newTestEscalation("esc_waiting")
	resolved := newTestEscalation("esc_resolved")
	resolved.Status = StatusResolved
	require.NoError(t, m.PutEscalation(ctx, waiting))
	require.NoError(t, m.PutEscalation(ctx, resolved))

	got, err := m.ListEscalations(ctx, StatusWaiting)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "esc_waiting", got[0].ID)

	all, err := m.ListEscalations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileMailbox_ResponseConsumedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestFileMailbox(t)

	require.NoError(t, m.PutResponse(ctx, "esc_1", "use ABCDE1234F"))

	resp, ok, err := m.TakeResponse(ctx, "esc_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "use ABCDE1234F", resp)

	_, ok, err = m.TakeResponse(ctx, "esc_1")
	require.NoError(t, err)
	assert.False(t, ok, "second take must find nothing")
}

func TestFileMailbox_AwaitResponse(t *testing.T) {
	ctx := context.Background()
	m := newTestFileMailbox(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = m.PutResponse(ctx, "esc_1", "approved")
	}()

	resp, ok, err := m.AwaitResponse(ctx, "esc_1", 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "approved", resp)
}

func TestFileMailbox_AwaitResponse_Timeout(t *testing.T) {
	m := newTestFileMailbox(t)

	start := time.Now()
	_, ok, err := m.AwaitResponse(context.Background(), "esc_never", 100*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestFileMailbox_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := newTestFileMailbox(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			esc := newTestEscalation("esc_" + string(rune('a'+n)))
			assert.NoError(t, m.PutEscalation(ctx, esc))
		}(i)
	}
	wg.Wait()

	all, err := m.ListEscalations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestFileMailbox_SharedDirectoryAcrossInstances(t *testing.T) {
	// The producer and the operator tool open the same directory from
	// different processes; model that with two instances.
	ctx := context.Background()
	dir := t.TempDir()

	producer, err := NewFileMailbox(dir, zap.NewNop())
	require.NoError(t, err)
	operator, err := NewFileMailbox(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, producer.PutEscalation(ctx, newTestEscalation("esc_1")))

	seen, err := operator.ListEscalations(ctx, StatusWaiting)
	require.NoError(t, err)
	require.Len(t, seen, 1)

	require.NoError(t, operator.PutResponse(ctx, "esc_1", "answer"))
	resp, ok, err := producer.TakeResponse(ctx, "esc_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "answer", resp)
}
