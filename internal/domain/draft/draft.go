// Package draft holds the mutable state of one in-progress entry or edit and
// enforces the locking of fields bound from a reference selection.
package draft

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/medledger/hms-forms/internal/domain/lineitem"
	"github.com/medledger/hms-forms/internal/domain/reference"
)

var (
	// ErrFieldLocked is returned when a write targets a field bound from a selection
	ErrFieldLocked = errors.New("field is locked by a reference selection")
	// ErrSlotField is returned when a write targets an unbound slot field;
	// only a selection fills those
	ErrSlotField = errors.New("field is filled by selecting a reference")
	// ErrUnknownField is returned for fields the draft does not declare
	ErrUnknownField = errors.New("unknown field")
	// ErrUnknownSlot is returned for slots the draft does not declare
	ErrUnknownSlot = errors.New("unknown reference slot")
	// ErrNoLineItems is returned when line-item operations hit a draft without a list
	ErrNoLineItems = errors.New("draft has no line items")
)

// Spec declares the shape of a new draft
type Spec struct {
	// Defaults lists every scalar field with its initial value
	Defaults  map[string]string
	Slots     []reference.Slot
	LineItems bool
}

// Draft is one form instance's field values, locks and selections
type Draft struct {
	id         string
	recordID   string
	slots      []reference.Slot
	values     map[string]string
	locked     map[string]string
	selections map[string]reference.Selection
	items      *lineitem.List
}

// New creates an empty draft from spec. Slot fields are always declared,
// starting blank.
func New(spec Spec) *Draft {
	d := &Draft{
		id:         uuid.New().String(),
		slots:      append([]reference.Slot(nil), spec.Slots...),
		values:     make(map[string]string, len(spec.Defaults)),
		locked:     make(map[string]string),
		selections: make(map[string]reference.Selection),
	}
	for k, v := range spec.Defaults {
		d.values[k] = v
	}
	for _, s := range spec.Slots {
		for _, f := range s.Fields() {
			if _, ok := d.values[f]; !ok {
				d.values[f] = ""
			}
		}
	}
	if spec.LineItems {
		d.items = lineitem.NewList()
	}
	return d
}

// ID returns the draft id
func (d *Draft) ID() string { return d.id }

// RecordID returns the stored record being edited, empty for new entries
func (d *Draft) RecordID() string { return d.recordID }

// SetRecordID switches the draft into edit mode for recordID
func (d *Draft) SetRecordID(recordID string) { d.recordID = recordID }

// Has reports whether field is declared
func (d *Draft) Has(field string) bool {
	_, ok := d.values[field]
	return ok
}

// Get returns a field value
func (d *Draft) Get(field string) string {
	return d.values[field]
}

// Set writes a user-entered value. Fields owned by a reference slot refuse
// the write whether or not a selection is bound.
func (d *Draft) Set(field, value string) error {
	if !d.Has(field) {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if slot, ok := d.locked[field]; ok {
		return fmt.Errorf("%w: %s (slot %s)", ErrFieldLocked, field, slot)
	}
	if slot := d.slotOwning(field); slot != "" {
		return fmt.Errorf("%w: %s (slot %s)", ErrSlotField, field, slot)
	}
	d.values[field] = value
	return nil
}

// Load pre-populates scalar fields, skipping undeclared and slot-owned ones
func (d *Draft) Load(values map[string]string) {
	for k, v := range values {
		if !d.Has(k) || d.slotOwning(k) != "" {
			continue
		}
		d.values[k] = v
	}
}

// Values returns a copy of all field values
func (d *Draft) Values() map[string]string {
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// Fields returns the declared field names in sorted order
func (d *Draft) Fields() []string {
	names := make([]string, 0, len(d.values))
	for k := range d.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsLocked reports whether field is bound from a selection
func (d *Draft) IsLocked(field string) bool {
	_, ok := d.locked[field]
	return ok
}

// Slots returns the declared reference slots
func (d *Draft) Slots() []reference.Slot {
	return append([]reference.Slot(nil), d.slots...)
}

// Slot looks up a declared slot by name
func (d *Draft) Slot(name string) (reference.Slot, error) {
	for _, s := range d.slots {
		if s.Name == name {
			return s, nil
		}
	}
	return reference.Slot{}, fmt.Errorf("%w: %s", ErrUnknownSlot, name)
}

// Selection returns the active selection of a slot
func (d *Draft) Selection(slot string) (reference.Selection, bool) {
	sel, ok := d.selections[slot]
	return sel, ok
}

// Bind copies a complete selection into the slot's fields and locks them.
// It returns the field names that changed.
func (d *Draft) Bind(slotName string, sel reference.Selection) ([]string, error) {
	slot, err := d.Slot(slotName)
	if err != nil {
		return nil, err
	}
	if sel.Category != slot.Category {
		return nil, fmt.Errorf("%w: %s into %s", reference.ErrCategoryMismatch, sel.Category, slot.Category)
	}
	if sel.IsZero() {
		return nil, fmt.Errorf("%w: no entity id", reference.ErrIncompleteSelection)
	}
	for _, b := range slot.Bindings {
		if v, ok := sel.Value(b.Target); !ok || v == "" {
			return nil, fmt.Errorf("%w: %s", reference.ErrIncompleteSelection, b.Target)
		}
	}

	// Another slot may bind the same target (admission and patient both
	// carry patientName); that slot's lock must not be stolen.
	for _, f := range slot.Fields() {
		if owner, ok := d.locked[f]; ok && owner != slot.Name {
			return nil, fmt.Errorf("%w: %s (slot %s)", ErrFieldLocked, f, owner)
		}
	}

	d.values[slot.IDField] = sel.EntityID
	d.locked[slot.IDField] = slot.Name
	for _, b := range slot.Bindings {
		v, _ := sel.Value(b.Target)
		d.values[b.Target] = v
		d.locked[b.Target] = slot.Name
	}
	d.selections[slot.Name] = sel
	return slot.Fields(), nil
}

// Clear removes the slot's selection, blanking and unlocking only its fields
func (d *Draft) Clear(slotName string) ([]string, error) {
	slot, err := d.Slot(slotName)
	if err != nil {
		return nil, err
	}
	if _, ok := d.selections[slot.Name]; !ok {
		return nil, nil
	}
	delete(d.selections, slot.Name)
	fields := slot.Fields()
	for _, f := range fields {
		if d.locked[f] == slot.Name {
			delete(d.locked, f)
			d.values[f] = ""
		}
	}
	return fields, nil
}

func (d *Draft) slotOwning(field string) string {
	for _, s := range d.slots {
		for _, f := range s.Fields() {
			if f == field {
				return s.Name
			}
		}
	}
	return ""
}

// Items returns the line-item list, nil when the form has none
func (d *Draft) Items() *lineitem.List { return d.items }

// LineItems returns the list or ErrNoLineItems
func (d *Draft) LineItems() (*lineitem.List, error) {
	if d.items == nil {
		return nil, ErrNoLineItems
	}
	return d.items, nil
}
