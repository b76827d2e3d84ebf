package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/reference"
)

// Date layouts used by the entry forms
const (
	LayoutDateTime = "2006-01-02T15:04"
	LayoutDate     = "2006-01-02"
)

// ItemsField addresses failures about the line-item list
const ItemsField = "items"

// RequireSelection fails unless slot holds a complete selection. The
// failure asks the UI to refocus the slot's search input.
func RequireSelection(slot reference.Slot) Rule {
	return Rule{
		Name:      "selection:" + slot.Name,
		DependsOn: slot.Fields(),
		Check: func(d *draft.Draft) []FieldError {
			if sel, ok := d.Selection(slot.Name); ok && !sel.IsZero() {
				return nil
			}
			return []FieldError{{
				Field:   slot.IDField,
				Rule:    "selection",
				Message: fmt.Sprintf("select a %s from the search results", slot.Category),
				Kind:    KindReference,
				Focus:   slot.SearchInput(),
			}}
		},
	}
}

// After requires end to be strictly later than start. With optionalEnd a
// blank end passes; a present one must still be later.
func After(start, end, layout string, optionalEnd bool) Rule {
	return Rule{
		Name:      "after:" + end,
		DependsOn: []string{start, end},
		Check: func(d *draft.Draft) []FieldError {
			endRaw := strings.TrimSpace(d.Get(end))
			if endRaw == "" {
				if optionalEnd {
					return nil
				}
				return []FieldError{{Field: end, Rule: "required", Message: "is required", Kind: KindSemantic}}
			}
			startAt, err := time.Parse(layout, strings.TrimSpace(d.Get(start)))
			if err != nil {
				return []FieldError{{Field: start, Rule: "datetime", Message: "must be a valid date", Kind: KindSemantic}}
			}
			endAt, err := time.Parse(layout, endRaw)
			if err != nil {
				return []FieldError{{Field: end, Rule: "datetime", Message: "must be a valid date", Kind: KindSemantic}}
			}
			if !endAt.After(startAt) {
				return []FieldError{{
					Field:   end,
					Rule:    "after",
					Message: "must be after " + start,
					Kind:    KindSemantic,
				}}
			}
			return nil
		},
	}
}

// RequireItems fails when the draft's line-item list is empty
func RequireItems() Rule {
	return Rule{
		Name:      "items",
		DependsOn: []string{ItemsField},
		Check: func(d *draft.Draft) []FieldError {
			if items := d.Items(); items != nil && items.Len() > 0 {
				return nil
			}
			return []FieldError{{
				Field:   ItemsField,
				Rule:    "min",
				Message: "add at least one line item",
				Kind:    KindSemantic,
			}}
		},
	}
}

// RequiredWhen makes field mandatory while other equals value
func RequiredWhen(field, other, value string) Rule {
	return Rule{
		Name:      "required_when:" + field,
		DependsOn: []string{field, other},
		Check: func(d *draft.Draft) []FieldError {
			if !strings.EqualFold(strings.TrimSpace(d.Get(other)), value) {
				return nil
			}
			if strings.TrimSpace(d.Get(field)) != "" {
				return nil
			}
			return []FieldError{{
				Field:   field,
				Rule:    "required",
				Message: fmt.Sprintf("is required when %s is %s", other, value),
				Kind:    KindSemantic,
			}}
		},
	}
}
