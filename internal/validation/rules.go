package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	panPattern     = regexp.MustCompile(`^[A-Z]{5}\d{4}[A-Z]$`)
	aadhaarDigits  = regexp.MustCompile(`^\d{12}$`)
	aadhaarNoise   = regexp.MustCompile(`[\s\-\.]`)
	digitRun       = regexp.MustCompile(`\d+`)
	nonAnswerWords = map[string]bool{
		"i dont know": true,
		"unknown":     true,
		"no":          true,
		"nothing":     true,
	}
)

// IsPAN reports whether the identifier is a valid PAN (ABCDE1234F shape).
func IsPAN(identifier string) bool {
	return panPattern.MatchString(identifier)
}

// IsAadhaar reports whether the identifier is a valid Aadhaar number.
// Spaces, dashes and dots inside a 12-digit number are accepted.
func IsAadhaar(identifier string) bool {
	cleaned := aadhaarNoise.ReplaceAllString(identifier, "")
	return aadhaarDigits.MatchString(cleaned)
}

// ParseAmount extracts a numeric amount from free text ("50000", "Rs
// 50,000"). Returns false when the text carries no digits.
func ParseAmount(input string) (int64, bool) {
	digits := digitRun.FindAllString(input, -1)
	if len(digits) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.Join(digits, ""), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsAffirmative and IsNegative match the yes/no synonym sets.
func IsAffirmative(word string) bool {
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "yes", "y", "yeah", "yep":
		return true
	}
	return false
}

func IsNegative(word string) bool {
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "no", "n", "nope", "nah":
		return true
	}
	return false
}

func amountRule(min, max int64) Rule {
	return func(input string) (bool, string) {
		amount, ok := ParseAmount(input)
		if !ok {
			return false, "Please provide a numeric loan amount."
		}
		if amount < min {
			return false, fmt.Sprintf("Amount too small. Please provide an amount of at least %d.", min)
		}
		if amount > max {
			return false, fmt.Sprintf("Amount too large. Please provide a realistic amount (at most %d).", max)
		}
		return true, fmt.Sprintf("Valid amount: %d", amount)
	}
}

func identityRule(input string) (bool, string) {
	if IsPAN(input) {
		return true, "Valid PAN number"
	}
	if IsAadhaar(input) {
		return true, "Valid Aadhaar number"
	}
	return false, "Please provide a valid PAN (ABCDE1234F) or Aadhaar (12-digit number)."
}

func cityRule(input string) (bool, string) {
	if nonAnswerWords[strings.ToLower(input)] {
		return false, "Please provide your city name."
	}
	if len(input) < 2 {
		return false, "Please provide a valid city name."
	}
	return true, "Valid city"
}

func yesNoRule(input string) (bool, string) {
	if IsAffirmative(input) || IsNegative(input) {
		return true, "Valid yes/no response"
	}
	return false, "Please respond with 'yes' or 'no'."
}

func filePathRule(input string) (bool, string) {
	if strings.ContainsAny(input, "\x00\n") {
		return false, "Please provide a valid file path."
	}
	if len(input) < 3 {
		return false, "Please provide the full path to the document."
	}
	return true, "Valid file path"
}

func purposeRule(input string) (bool, string) {
	lower := strings.ToLower(input)
	if nonAnswerWords[lower] || lower == "why do you want" {
		return false, "Please specify a clear purpose (e.g., 'bike loan', 'home improvement')."
	}
	if len(input) < 3 {
		return false, "Please provide a more specific purpose."
	}
	return true, "Valid purpose"
}

func freeTextRule(input string) (bool, string) {
	if len(input) < 2 {
		return false, "Please provide a more detailed response."
	}
	return true, "Valid response"
}
