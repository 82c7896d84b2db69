package attempt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepflow/internal/session"
)

func newTestSession() *session.Session {
	return &session.Session{
		ID:            "wf_test",
		Status:        session.StatusActive,
		CollectedData: map[string]string{},
		AttemptState:  map[string]*session.AttemptRecord{},
	}
}

func TestRecord_IncrementsPerKey(t *testing.T) {
	tracker := NewTracker(3)
	sess := newTestSession()

	assert.Equal(t, 1, tracker.Record(sess, "loan_amount", "How much?", "ten dollars"))
	assert.Equal(t, 2, tracker.Record(sess, "loan_amount", "How much?", "lots"))
	assert.Equal(t, 1, tracker.Record(sess, "user_city", "Which city?", ""))

	assert.Equal(t, 2, tracker.Count(sess, "loan_amount"))
	assert.Equal(t, 1, tracker.Count(sess, "user_city"))
}

func TestExceeded_AtMaxAttempts(t *testing.T) {
	tracker := NewTracker(3)
	sess := newTestSession()

	for i := 0; i < 2; i++ {
		tracker.Record(sess, "loan_amount", "How much?", "bad answer")
		assert.False(t, tracker.Exceeded(sess, "loan_amount"))
	}
	tracker.Record(sess, "loan_amount", "How much?", "bad answer")
	assert.True(t, tracker.Exceeded(sess, "loan_amount"))
}

func TestReset_ClearsCounter(t *testing.T) {
	tracker := NewTracker(3)
	sess := newTestSession()

	tracker.Record(sess, "loan_amount", "How much?", "ten dollars")
	tracker.Record(sess, "loan_amount", "How much?", "many")
	tracker.Reset(sess, "loan_amount")

	assert.Equal(t, 0, tracker.Count(sess, "loan_amount"))
	assert.False(t, tracker.Exceeded(sess, "loan_amount"))
}

func TestRecord_KeepsResponses(t *testing.T) {
	tracker := NewTracker(3)
	sess := newTestSession()

	tracker.Record(sess, "loan_amount", "How much?", "ten dollars")
	tracker.Record(sess, "loan_amount", "How much?", "a lot")

	rec := sess.AttemptState["loan_amount"]
	require.NotNil(t, rec)
	assert.Equal(t, "How much?", rec.Question)
	require.Len(t, rec.Attempts, 2)
	assert.Equal(t, "ten dollars", rec.Attempts[0].Response)
	assert.Equal(t, 2, rec.Attempts[1].Number)
}

func TestNewTracker_DefaultBound(t *testing.T) {
	assert.Equal(t, DefaultMaxAttempts, NewTracker(0).MaxAttempts())
	assert.Equal(t, 5, NewTracker(5).MaxAttempts())
}

func TestNormalizeKey_ParaphraseStability(t *testing.T) {
	tests := []struct {
		key       string
		questions []string
	}{
		{"loan_purpose", []string{
			"What is the purpose of your loan?",
			"What will you use the money for?",
			"What do you need the loan for?",
		}},
		{"loan_amount", []string{
			"What loan amount do you need?",
			"How much would you like to borrow?",
			"How many rupees do you need?",
		}},
		{"user_city", []string{
			"Which city do you live in?",
			"Where are you located?",
		}},
		{"user_identity", []string{
			"Please provide your PAN or Aadhaar.",
			"What is your identifier?",
		}},
		{"salary_document", []string{
			"Please provide the path to your salary PDF.",
			"Upload your income document.",
		}},
		{"salary_update", []string{
			"Do you want to update your salary information?",
			"Would you like to update your salary information? (yes/no)",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			for _, q := range tt.questions {
				assert.Equal(t, tt.key, NormalizeKey(q), "question %q", q)
			}
		})
	}
}

func TestNormalizeKey_FallbackIsStable(t *testing.T) {
	q := "Do you agree to the terms?"
	first := NormalizeKey(q)
	assert.Equal(t, first, NormalizeKey(q))
	assert.Contains(t, first, "question_")

	other := NormalizeKey("Pick a color.")
	assert.NotEqual(t, first, other)
}
