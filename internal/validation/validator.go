// Package validation decides whether a raw user answer satisfies the
// semantic contract of a question category.
//
// Validators are pure and side-effect-free; they never touch session
// state. New categories are added by registering a rule, not by extending
// a switch.
package validation

import (
	"fmt"
	"strings"
)

// Category identifies the semantic contract of a question.
type Category string

const (
	CategoryAmount   Category = "amount"
	CategoryIdentity Category = "identity"
	CategoryCity     Category = "city"
	CategoryYesNo    Category = "yes_no"
	CategoryFilePath Category = "file_path"
	CategoryPurpose  Category = "purpose"
	CategoryFreeText Category = "free_text"
)

// Rule checks a trimmed, non-empty answer. It returns whether the answer
// is acceptable and a human-readable reason when it is not.
type Rule func(input string) (bool, string)

// Validator maps categories to rules.
type Validator struct {
	rules map[Category]Rule
}

// Options configures the built-in rules.
type Options struct {
	// AmountMin and AmountMax bound the accepted amount range.
	AmountMin int64
	AmountMax int64
}

// DefaultOptions returns the stock amount bounds.
func DefaultOptions() Options {
	return Options{AmountMin: 1000, AmountMax: 10000000}
}

// New creates a validator with the built-in category rules.
func New(opts Options) *Validator {
	v := &Validator{rules: make(map[Category]Rule)}
	v.Register(CategoryAmount, amountRule(opts.AmountMin, opts.AmountMax))
	v.Register(CategoryIdentity, identityRule)
	v.Register(CategoryCity, cityRule)
	v.Register(CategoryYesNo, yesNoRule)
	v.Register(CategoryFilePath, filePathRule)
	v.Register(CategoryPurpose, purposeRule)
	v.Register(CategoryFreeText, freeTextRule)
	return v
}

// Register adds or replaces the rule for a category.
func (v *Validator) Register(cat Category, rule Rule) {
	v.rules[cat] = rule
}

// Validate checks raw input against the category's rule. Empty and
// whitespace-only input is rejected uniformly before any rule runs.
func (v *Validator) Validate(cat Category, raw string) (bool, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false, "Empty response. Please provide a valid answer."
	}

	rule, ok := v.rules[cat]
	if !ok {
		return false, fmt.Sprintf("no validation rule registered for category %q", cat)
	}
	return rule(trimmed)
}

// Known reports whether a rule is registered for the category.
func (v *Validator) Known(cat Category) bool {
	_, ok := v.rules[cat]
	return ok
}
