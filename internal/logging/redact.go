package logging

import (
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// Identity numbers must never appear in logs in full.
var (
	panPattern     = regexp.MustCompile(`[A-Z]{5}\d{4}[A-Z]`)
	aadhaarPattern = regexp.MustCompile(`\d{4}[\s\-]?\d{4}[\s\-]?\d{4}`)
)

// RedactedString creates a field with the value replaced by its length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// MaskIdentifiers replaces PAN- and Aadhaar-shaped tokens in s with a
// masked form keeping only the last four characters.
func MaskIdentifiers(s string) string {
	s = panPattern.ReplaceAllStringFunc(s, maskToken)
	s = aadhaarPattern.ReplaceAllStringFunc(s, maskToken)
	return s
}

// UserInput creates a field for raw user text with identity numbers masked.
func UserInput(key, val string) zap.Field {
	return zap.String(key, MaskIdentifiers(val))
}

func maskToken(tok string) string {
	if len(tok) <= 4 {
		return "****"
	}
	masked := make([]byte, len(tok)-4)
	for i := range masked {
		masked[i] = '*'
	}
	return string(masked) + tok[len(tok)-4:]
}
