// Package attempt bounds how many times a question may be re-asked before
// escalation, keyed by a normalized context key so paraphrased versions of
// the same question share a counter.
package attempt

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/stepflow/internal/session"
)

// DefaultMaxAttempts is the stock retry bound per context key.
const DefaultMaxAttempts = 3

// Tracker counts failed answers per session and context key. State lives
// on the session aggregate so it survives snapshots.
type Tracker struct {
	maxAttempts int
}

// NewTracker creates a tracker with the given bound. Non-positive values
// fall back to DefaultMaxAttempts.
func NewTracker(maxAttempts int) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Tracker{maxAttempts: maxAttempts}
}

// MaxAttempts returns the configured bound.
func (t *Tracker) MaxAttempts() int {
	return t.maxAttempts
}

// Record stores one answer for the context key and returns the attempt
// number (1-based).
func (t *Tracker) Record(sess *session.Session, contextKey, question, response string) int {
	rec := sess.AttemptRecordFor(contextKey, question)
	rec.Attempts = append(rec.Attempts, session.Attempt{
		Number:    len(rec.Attempts) + 1,
		Response:  response,
		Timestamp: time.Now(),
	})
	return len(rec.Attempts)
}

// Count returns the number of recorded attempts for the context key.
func (t *Tracker) Count(sess *session.Session, contextKey string) int {
	return sess.AttemptState[contextKey].Count()
}

// Exceeded reports whether the context key has used up its attempts.
func (t *Tracker) Exceeded(sess *session.Session, contextKey string) bool {
	return t.Count(sess, contextKey) >= t.maxAttempts
}

// Reset clears the counter for a context key after a valid answer.
func (t *Tracker) Reset(sess *session.Session, contextKey string) {
	delete(sess.AttemptState, contextKey)
}

// keyword buckets for question normalization. Checked in order; the first
// bucket with a match wins, so "update ... salary information" maps to
// salary_update before the generic salary bucket.
var keyBuckets = []struct {
	key   string
	words []string
}{
	{"salary_update", []string{"update", "salary information"}},
	{"loan_purpose", []string{"purpose", "use", "loan for"}},
	{"loan_amount", []string{"amount", "how much", "rupees"}},
	{"user_city", []string{"city", "location", "where"}},
	{"user_identity", []string{"pan", "aadhaar", "identifier"}},
	{"salary_document", []string{"salary", "income", "pdf", "document"}},
}

// NormalizeKey maps a question to a deterministic context key. Different
// phrasings of the same question must produce the same key; unknown
// questions get a stable hash-derived key.
func NormalizeKey(question string) string {
	lower := strings.ToLower(question)
	for _, bucket := range keyBuckets {
		for _, word := range bucket.words {
			if strings.Contains(lower, word) {
				return bucket.key
			}
		}
	}

	h := fnv.New32a()
	h.Write([]byte(lower))
	return fmt.Sprintf("question_%04d", h.Sum32()%10000)
}
