package loanflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/stepflow/internal/session"
	"github.com/fyrsmithlabs/stepflow/internal/validation"
	"github.com/fyrsmithlabs/stepflow/internal/workflow"
)

// Deterministic stand-ins for the external business checks. The wiring
// (structured results, fork fields, fallback flag) is the contract the
// pipeline depends on; the arithmetic is intentionally simple.

// knownUsers is the reference customer registry, keyed by normalized
// identifier.
var knownUsers = map[string]int64{
	"ABCDE1234F":   85000,
	"123456789012": 55000,
}

var identityNoise = regexp.MustCompile(`[\s\-\.]`)

func normalizeIdentity(identity string) string {
	return identityNoise.ReplaceAllString(strings.ToUpper(identity), "")
}

// assessPurpose classifies the loan purpose as secured or unsecured.
func assessPurpose(ctx context.Context, sess *session.Session, input string) (*workflow.Result, error) {
	category := "unsecured"
	switch input {
	case "home", "vehicle":
		category = "secured"
	}
	return &workflow.Result{
		Value:  category,
		Status: "ok",
	}, nil
}

// lookupUser checks the customer registry for the supplied identifier.
// Existing users carry their last known salary forward.
func lookupUser(ctx context.Context, sess *session.Session, input string) (*workflow.Result, error) {
	if input == "" {
		return nil, fmt.Errorf("identity is required for lookup")
	}

	salary, ok := knownUsers[normalizeIdentity(input)]
	if !ok {
		return &workflow.Result{
			Value:   "false",
			Status:  "new_user",
			Message: "Welcome! We will set up your profile as a new customer.",
		}, nil
	}
	return &workflow.Result{
		Value:  "true",
		Status: "existing_user",
		Fields: map[string]string{
			FieldKnownSalary: strconv.FormatInt(salary, 10),
		},
		Message: "Welcome back! We found your existing profile.",
	}, nil
}

var salaryInName = regexp.MustCompile(`\d{4,7}`)

// extractSalary pulls a monthly salary out of the supplied document path.
// When extraction fails it reports a structured fallback, not an error:
// the generator step takes over.
func extractSalary(ctx context.Context, sess *session.Session, input string) (*workflow.Result, error) {
	lower := strings.ToLower(input)
	if strings.HasSuffix(lower, ".pdf") {
		if digits := salaryInName.FindString(input); digits != "" {
			if salary, err := strconv.ParseInt(digits, 10, 64); err == nil {
				return &workflow.Result{
					Value:  strconv.FormatInt(salary, 10),
					Status: "ok",
				}, nil
			}
		}
		if strings.Contains(lower, "salary") || strings.Contains(lower, "payslip") {
			return &workflow.Result{Value: "60000", Status: "ok"}, nil
		}
	}

	return &workflow.Result{
		Status: "extraction_failed",
		Fields: map[string]string{FieldFallback: "true"},
		Message: "We could not read the document; an estimated salary will be used instead.",
	}, nil
}

// generateSalaryEstimate is the fallback when document extraction fails:
// a conservative estimate derived from the requested amount.
func generateSalaryEstimate(ctx context.Context, sess *session.Session, input string) (*workflow.Result, error) {
	amount, _ := validation.ParseAmount(input)
	estimate := amount / 20
	if estimate < 30000 {
		estimate = 30000
	}
	if estimate > 200000 {
		estimate = 200000
	}
	return &workflow.Result{
		Value:  strconv.FormatInt(estimate, 10),
		Status: "estimated",
	}, nil
}

// applyGeoPolicy scores the city: metro customers get a lending bonus.
// The multiplier is stored as a percentage to stay integer-valued.
func applyGeoPolicy(ctx context.Context, sess *session.Session, input string) (*workflow.Result, error) {
	multiplier := "100"
	if metroCities[strings.ToLower(strings.TrimSpace(input))] {
		multiplier = "120"
	}
	return &workflow.Result{
		Value:  multiplier,
		Status: "ok",
	}, nil
}

// scoreRisk combines amount, salary, purpose class and geography into a
// 0-100 score.
func scoreRisk(ctx context.Context, sess *session.Session, input string) (*workflow.Result, error) {
	amount, ok := amountOf(sess, FieldAmount)
	if !ok {
		return nil, fmt.Errorf("loan amount missing from session data")
	}
	salary, ok := salaryOf(sess)
	if !ok {
		return nil, fmt.Errorf("salary missing from session data")
	}

	score := int64(40)

	// Affordability: the amount repaid over four years should fit within
	// half the monthly salary.
	if salary/2 >= amount/48 {
		score += 30
	} else if salary >= amount/48 {
		score += 15
	}

	if category, _ := sess.Data(FieldPurposeClass); category == "secured" {
		score += 15
	}
	if multiplier, _ := sess.Data(FieldGeoMultiplier); multiplier == "120" {
		score += 10
	}
	if score > 100 {
		score = 100
	}

	return &workflow.Result{
		Value:  strconv.FormatInt(score, 10),
		Status: "ok",
	}, nil
}

// decide turns the risk score into the final decision message.
func decide(ctx context.Context, sess *session.Session, input string) (*workflow.Result, error) {
	score, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("risk score missing or malformed: %w", err)
	}
	amount, _ := sess.Data(FieldAmount)

	if score >= 60 {
		return &workflow.Result{
			Value:  fmt.Sprintf("Congratulations! Your loan of %s has been approved (risk score %d).", amount, score),
			Status: "approved",
		}, nil
	}
	return &workflow.Result{
		Value:  fmt.Sprintf("We are sorry, your loan application was not approved at this time (risk score %d).", score),
		Status: "rejected",
	}, nil
}

func amountOf(sess *session.Session, field string) (int64, bool) {
	raw, ok := sess.Data(field)
	if !ok {
		return 0, false
	}
	return validation.ParseAmount(raw)
}

// salaryOf prefers a freshly extracted salary, falling back to the one on
// record for existing users.
func salaryOf(sess *session.Session) (int64, bool) {
	if n, ok := amountOf(sess, FieldSalary); ok {
		return n, true
	}
	return amountOf(sess, FieldKnownSalary)
}
