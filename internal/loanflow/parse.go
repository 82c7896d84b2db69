// Package loanflow declares the reference loan-processing pipeline: the
// ordered steps, their branch conditions, and deterministic handlers for
// the business checks the engine drives.
package loanflow

import (
	"regexp"
	"strconv"
	"strings"
)

// Collected-data field names shared by parsing, steps and handlers.
const (
	FieldAmount        = "loan_amount"
	FieldPurpose       = "loan_purpose"
	FieldPurposeClass  = "purpose_category"
	FieldIdentity      = "user_identity"
	FieldCity          = "user_city"
	FieldUserExists    = "user_exists"
	FieldKnownSalary   = "known_salary"
	FieldUpdateSalary  = "update_salary"
	FieldDocument      = "salary_document"
	FieldSalary        = "monthly_salary"
	FieldFallback      = "fallback_needed"
	FieldGeoMultiplier = "geo_multiplier"
	FieldRiskScore     = "risk_score"
	FieldDecision      = "decision"
)

var (
	amountPattern = regexp.MustCompile(`(?i)(\d[\d,]*)\s*(lakh|lakhs|lac|lacs|crore|crores|k)?`)
	cityPattern   = regexp.MustCompile(`(?i)\b(?:in|from|at)\s+([a-zA-Z]+)`)
)

var purposeKeywords = []struct {
	words   []string
	purpose string
}{
	{[]string{"home", "house", "flat", "apartment"}, "home"},
	{[]string{"car", "bike", "vehicle", "scooter"}, "vehicle"},
	{[]string{"education", "study", "college", "tuition"}, "education"},
	{[]string{"business", "shop", "startup"}, "business"},
	{[]string{"medical", "hospital", "surgery"}, "medical"},
	{[]string{"wedding", "marriage"}, "wedding"},
}

var metroCities = map[string]bool{
	"mumbai":    true,
	"delhi":     true,
	"bangalore": true,
	"bengaluru": true,
	"chennai":   true,
	"hyderabad": true,
	"pune":      true,
	"kolkata":   true,
}

// ParseRequest extracts whatever the opening request already states, so
// the matching pipeline steps are skipped instead of re-asked.
func ParseRequest(request string) map[string]string {
	parsed := make(map[string]string)

	if amount, ok := parseAmount(request); ok {
		parsed[FieldAmount] = strconv.FormatInt(amount, 10)
	}
	if purpose, ok := parsePurpose(request); ok {
		parsed[FieldPurpose] = purpose
	}
	if city, ok := parseCity(request); ok {
		parsed[FieldCity] = city
	}
	return parsed
}

func parseAmount(request string) (int64, bool) {
	m := amountPattern.FindStringSubmatch(request)
	if m == nil {
		return 0, false
	}

	n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}

	switch strings.ToLower(m[2]) {
	case "lakh", "lakhs", "lac", "lacs":
		n *= 100_000
	case "crore", "crores":
		n *= 10_000_000
	case "k":
		n *= 1000
	}

	// Small numbers ("2 wheeler") are not amounts.
	if n < 1000 {
		return 0, false
	}
	return n, true
}

func parsePurpose(request string) (string, bool) {
	lower := strings.ToLower(request)
	for _, kw := range purposeKeywords {
		for _, word := range kw.words {
			if strings.Contains(lower, word) {
				return kw.purpose, true
			}
		}
	}
	return "", false
}

func parseCity(request string) (string, bool) {
	for _, m := range cityPattern.FindAllStringSubmatch(request, -1) {
		city := strings.ToLower(m[1])
		if metroCities[city] {
			return city, true
		}
	}
	return "", false
}
