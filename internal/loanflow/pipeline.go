package loanflow

import (
	"github.com/fyrsmithlabs/stepflow/internal/session"
	"github.com/fyrsmithlabs/stepflow/internal/validation"
	"github.com/fyrsmithlabs/stepflow/internal/workflow"
)

// Bootstrap pre-fills a fresh session with whatever the opening request
// already states, so those steps are skipped.
func Bootstrap(sess *session.Session) {
	for field, value := range ParseRequest(sess.Request) {
		sess.SetData(field, value)
	}
}

func fieldInput(field string) func(sess *session.Session) string {
	return func(sess *session.Session) string {
		v, _ := sess.Data(field)
		return v
	}
}

// NewPipeline declares the loan-processing step graph. Forks are part of
// the declaration: existing users may refresh their salary, new users
// always supply a document, and failed extraction falls back to an
// estimate.
func NewPipeline() *workflow.Pipeline {
	return &workflow.Pipeline{
		Name:        "loan-processing",
		ResultField: FieldDecision,
		Steps: []workflow.Step{
			{
				Name:       "collect_purpose",
				Kind:       workflow.KindAsk,
				Prompt:     "What is the purpose of your loan?",
				ContextKey: "loan_purpose",
				Category:   validation.CategoryPurpose,
				Field:      FieldPurpose,
			},
			{
				Name:    "assess_purpose",
				Kind:    workflow.KindAction,
				Handler: workflow.HandlerFunc(assessPurpose),
				Input:   fieldInput(FieldPurpose),
				Field:   FieldPurposeClass,
			},
			{
				Name:       "collect_amount",
				Kind:       workflow.KindAsk,
				Prompt:     "How much would you like to borrow (in rupees)?",
				ContextKey: "loan_amount",
				Category:   validation.CategoryAmount,
				Field:      FieldAmount,
			},
			{
				Name:       "collect_identity",
				Kind:       workflow.KindAsk,
				Prompt:     "Please provide your PAN (ABCDE1234F) or Aadhaar (12-digit) number.",
				ContextKey: "user_identity",
				Category:   validation.CategoryIdentity,
				Field:      FieldIdentity,
			},
			{
				Name:    "lookup_user",
				Kind:    workflow.KindAction,
				Handler: workflow.HandlerFunc(lookupUser),
				Input:   fieldInput(FieldIdentity),
				Field:   FieldUserExists,
				Branches: []workflow.Branch{{
					// New users go straight to the document step.
					When: func(sess *session.Session) bool {
						exists, _ := sess.Data(FieldUserExists)
						return exists != "true"
					},
					Target: "collect_document",
				}},
			},
			{
				Name:       "update_salary",
				Kind:       workflow.KindAsk,
				Prompt:     "Would you like to update your salary information? (yes/no)",
				ContextKey: "salary_update",
				Category:   validation.CategoryYesNo,
				Field:      FieldUpdateSalary,
				Branches: []workflow.Branch{{
					// Keeping the salary on record skips the document steps.
					When: func(sess *session.Session) bool {
						answer, _ := sess.Data(FieldUpdateSalary)
						return !validation.IsAffirmative(answer)
					},
					Target: "collect_city",
				}},
			},
			{
				Name:       "collect_document",
				Kind:       workflow.KindAsk,
				Prompt:     "Please provide the file path to your salary slip (PDF).",
				ContextKey: "salary_document",
				Category:   validation.CategoryFilePath,
				Field:      FieldDocument,
			},
			{
				Name:    "extract_salary",
				Kind:    workflow.KindAction,
				Handler: workflow.HandlerFunc(extractSalary),
				Input:   fieldInput(FieldDocument),
				Field:   FieldSalary,
			},
			{
				// Skipped automatically once a salary is known.
				Name:    "salary_fallback",
				Kind:    workflow.KindAction,
				Handler: workflow.HandlerFunc(generateSalaryEstimate),
				Input:   fieldInput(FieldAmount),
				Field:   FieldSalary,
			},
			{
				Name:       "collect_city",
				Kind:       workflow.KindAsk,
				Prompt:     "Which city do you live in?",
				ContextKey: "user_city",
				Category:   validation.CategoryCity,
				Field:      FieldCity,
			},
			{
				Name:    "geo_policy",
				Kind:    workflow.KindAction,
				Handler: workflow.HandlerFunc(applyGeoPolicy),
				Input:   fieldInput(FieldCity),
				Field:   FieldGeoMultiplier,
			},
			{
				Name:    "risk_score",
				Kind:    workflow.KindAction,
				Handler: workflow.HandlerFunc(scoreRisk),
				Field:   FieldRiskScore,
			},
			{
				Name:    "decision",
				Kind:    workflow.KindAction,
				Handler: workflow.HandlerFunc(decide),
				Input:   fieldInput(FieldRiskScore),
				Field:   FieldDecision,
			},
		},
	}
}
