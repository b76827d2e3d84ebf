// Package validation gates submission behind two ordered passes: a
// structural pass over the declared field rules and a semantic pass over
// cross-field invariants of the current draft.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/medledger/hms-forms/internal/domain/draft"
)

// Kind classifies a failure
type Kind string

const (
	KindStructural Kind = "structural"
	KindSemantic   Kind = "semantic"
	KindReference  Kind = "reference"
)

// FieldError is one failure addressed to a single form field
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Kind    Kind   `json:"kind"`
	// Focus names the input the UI should focus, when different from Field
	Focus string `json:"focus,omitempty"`
}

// Errors is the set of failures that blocked a submission
type Errors struct {
	Failures []FieldError
}

func (e *Errors) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Field returns the first failure for field
func (e *Errors) Field(name string) (FieldError, bool) {
	for _, f := range e.Failures {
		if f.Field == name {
			return f, true
		}
	}
	return FieldError{}, false
}

// Rule is a semantic invariant over the draft
type Rule struct {
	Name string
	// DependsOn lists the fields whose change requires re-running the rule
	DependsOn []string
	Check     func(d *draft.Draft) []FieldError
}

// Schema is the declared shape of one category
type Schema struct {
	// Fields maps a field name to validator tags, e.g. "required,amount"
	Fields map[string]string
	Rules  []Rule
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

var messages = map[string]string{
	"required": "is required",
	"datetime": "must be a date in the form %s",
	"oneof":    "must be one of %s",
	"numeric":  "must be a number",
	"amount":   "must be an amount greater than 0",
	"phone":    "must be a valid phone number",
	"max":      "must be at most %s characters",
	"min":      "must be at least %s characters",
	"alphanum": "must contain only letters and digits",
}

// Validator runs both passes
type Validator struct {
	validate *validator.Validate
}

var customTags = map[string]validator.Func{
	"amount": validateAmount,
	"phone":  validatePhone,
}

// New creates a validator with the form-specific tags registered. It panics
// if a tag cannot be registered.
func New() *Validator {
	v := validator.New()
	if err := register(v, customTags); err != nil {
		panic(err)
	}
	return &Validator{validate: v}
}

func register(v *validator.Validate, tags map[string]validator.Func) error {
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register validation %q: %w", tag, err)
		}
	}
	return nil
}

func validateAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
	return err == nil && d.IsPositive()
}

func validatePhone(fl validator.FieldLevel) bool {
	return phonePattern.MatchString(strings.TrimSpace(fl.Field().String()))
}

// Validate runs the structural pass and, only when it is clean, the
// semantic pass. It returns *Errors or nil.
func (v *Validator) Validate(s Schema, d *draft.Draft) error {
	if failures := v.Structural(s, d); len(failures) > 0 {
		return &Errors{Failures: failures}
	}
	if failures := v.Semantic(s, d); len(failures) > 0 {
		return &Errors{Failures: failures}
	}
	return nil
}

// Structural checks field presence, format and ranges
func (v *Validator) Structural(s Schema, d *draft.Draft) []FieldError {
	data := make(map[string]interface{}, len(s.Fields))
	rules := make(map[string]interface{}, len(s.Fields))
	for field, tag := range s.Fields {
		data[field] = strings.TrimSpace(d.Get(field))
		rules[field] = tag
	}

	var failures []FieldError
	for field, raw := range v.validate.ValidateMap(data, rules) {
		err, ok := raw.(error)
		if !ok {
			continue
		}
		failures = append(failures, structuralError(field, err))
	}
	sortFailures(failures)
	return failures
}

func structuralError(field string, err error) FieldError {
	fe := FieldError{Field: field, Rule: "invalid", Message: "is invalid", Kind: KindStructural}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fe
	}
	tag, param := verrs[0].Tag(), verrs[0].Param()
	fe.Rule = tag
	if msg, ok := messages[tag]; ok {
		if strings.Contains(msg, "%s") {
			if tag == "oneof" {
				param = strings.Join(strings.Fields(param), ", ")
			}
			msg = fmt.Sprintf(msg, param)
		}
		fe.Message = msg
	}
	return fe
}

// Semantic evaluates every rule of the schema
func (v *Validator) Semantic(s Schema, d *draft.Draft) []FieldError {
	var failures []FieldError
	for _, r := range s.Rules {
		failures = append(failures, r.Check(d)...)
	}
	sortFailures(failures)
	return failures
}

// Revalidate re-runs only the semantic rules depending on any of fields
func (v *Validator) Revalidate(s Schema, d *draft.Draft, fields []string) []FieldError {
	changed := make(map[string]bool, len(fields))
	for _, f := range fields {
		changed[f] = true
	}

	var failures []FieldError
	for _, r := range s.Rules {
		for _, dep := range r.DependsOn {
			if changed[dep] {
				failures = append(failures, r.Check(d)...)
				break
			}
		}
	}
	sortFailures(failures)
	return failures
}

// Dependents returns the fields covered by rules depending on any of fields
func (s Schema) Dependents(fields []string) []string {
	changed := make(map[string]bool, len(fields))
	for _, f := range fields {
		changed[f] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.Rules {
		hit := false
		for _, dep := range r.DependsOn {
			if changed[dep] {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, dep := range r.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	sort.Strings(out)
	return out
}

func sortFailures(f []FieldError) {
	sort.SliceStable(f, func(i, j int) bool {
		if f[i].Field != f[j].Field {
			return f[i].Field < f[j].Field
		}
		return f[i].Rule < f[j].Rule
	})
}
