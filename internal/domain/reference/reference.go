// Package reference models the entities a form can bind to by searching and
// selecting them: patients, doctors and admissions.
package reference

import (
	"errors"
	"fmt"
	"strings"
)

// Category identifies the kind of entity a reference slot points at
type Category string

const (
	CategoryPatient   Category = "patient"
	CategoryDoctor    Category = "doctor"
	CategoryAdmission Category = "admission"
)

// Resource returns the remote API resource searched for this category
func (c Category) Resource() string {
	switch c {
	case CategoryPatient:
		return "patients"
	case CategoryDoctor:
		return "doctors"
	case CategoryAdmission:
		return "admissions"
	default:
		return string(c)
	}
}

// Display field names carried by candidates
const (
	FieldName           = "name"
	FieldPhone          = "phone"
	FieldCode           = "code"
	FieldSpecialization = "specialization"
)

var (
	// ErrIncompleteSelection is returned when a candidate lacks a declared display field
	ErrIncompleteSelection = errors.New("incomplete selection")
	// ErrCategoryMismatch is returned when a candidate is bound to a slot of another category
	ErrCategoryMismatch = errors.New("selection category does not match slot")
)

// Candidate is one search result returned by the remote API
type Candidate struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Field returns a display field value, empty when absent
func (c Candidate) Field(name string) string {
	return c.Fields[name]
}

// Binding maps a candidate display field onto a form field
type Binding struct {
	Source string
	Target string
}

// Slot is a named position in a form that must be filled by selecting an
// existing entity.
type Slot struct {
	Name     string
	Category Category
	// IDField receives the selected entity id
	IDField  string
	Bindings []Binding
	Required bool
}

// Fields returns every form field the slot writes, id first
func (s Slot) Fields() []string {
	fields := make([]string, 0, len(s.Bindings)+1)
	fields = append(fields, s.IDField)
	for _, b := range s.Bindings {
		fields = append(fields, b.Target)
	}
	return fields
}

// SearchInput is the name of the free-text input driving this slot
func (s Slot) SearchInput() string {
	return s.Name + "Search"
}

// Field is one display value of a selection
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Selection is a complete reference to an existing entity. The zero value
// means no selection.
type Selection struct {
	Category Category `json:"category"`
	EntityID string   `json:"entityId"`
	Fields   []Field  `json:"fields"`
}

// IsZero reports whether the selection is absent
func (s Selection) IsZero() bool {
	return s.EntityID == ""
}

// Value returns the display value bound to a form field
func (s Selection) Value(target string) (string, bool) {
	for _, f := range s.Fields {
		if f.Name == target {
			return f.Value, true
		}
	}
	return "", false
}

// NewSelection builds a selection for slot from candidate. Every binding
// source must be populated; partial selections are never produced.
func NewSelection(slot Slot, c Candidate) (Selection, error) {
	if strings.TrimSpace(c.ID) == "" {
		return Selection{}, fmt.Errorf("%w: %s candidate has no id", ErrIncompleteSelection, slot.Category)
	}

	fields := make([]Field, 0, len(slot.Bindings))
	for _, b := range slot.Bindings {
		v := strings.TrimSpace(c.Field(b.Source))
		if v == "" {
			return Selection{}, fmt.Errorf("%w: %s candidate %s missing %q", ErrIncompleteSelection, slot.Category, c.ID, b.Source)
		}
		fields = append(fields, Field{Name: b.Target, Value: v})
	}

	return Selection{
		Category: slot.Category,
		EntityID: c.ID,
		Fields:   fields,
	}, nil
}
