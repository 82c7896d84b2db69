package escalation

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/stepflow/internal/validation"
)

// Token shapes recognizable inside a free-text operator note.
var (
	panToken     = regexp.MustCompile(`[A-Z]{5}\d{4}[A-Z]`)
	aadhaarToken = regexp.MustCompile(`\d{4}[\s\-]?\d{4}[\s\-]?\d{4}`)
	amountToken  = regexp.MustCompile(`\d[\d,]*`)
)

// ExtractAnswer pulls a token matching the original question's expected
// shape out of a raw operator note ("use ABCDE1234F" -> "ABCDE1234F").
// Extraction is best-effort: when nothing matches, the raw text is
// returned and remains a correct answer.
func ExtractAnswer(category validation.Category, response string) string {
	trimmed := strings.TrimSpace(response)

	switch category {
	case validation.CategoryIdentity:
		if tok := panToken.FindString(trimmed); tok != "" {
			return tok
		}
		if tok := aadhaarToken.FindString(trimmed); tok != "" {
			return tok
		}
	case validation.CategoryAmount:
		if tok := amountToken.FindString(trimmed); tok != "" {
			return strings.ReplaceAll(tok, ",", "")
		}
	case validation.CategoryYesNo:
		for _, word := range strings.Fields(trimmed) {
			word = strings.Trim(word, ".,!?:;")
			if validation.IsAffirmative(word) {
				return "yes"
			}
			if validation.IsNegative(word) {
				return "no"
			}
		}
	}
	return trimmed
}
