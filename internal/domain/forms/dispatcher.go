package forms

import (
	"errors"
	"fmt"

	"github.com/medledger/hms-forms/internal/domain/draft"
)

// SwitchFunc is called after the active binding changes
type SwitchFunc func(prev, next Binding)

// Dispatcher holds the active binding of a form and the draft built by
// that binding's factory. A form with a single category is a dispatcher
// with one binding.
type Dispatcher struct {
	bindings []Binding
	active   Binding
	draft    *draft.Draft
	onSwitch SwitchFunc
}

// NewDispatcher activates the first binding
func NewDispatcher(bindings ...Binding) (*Dispatcher, error) {
	if len(bindings) == 0 {
		return nil, errors.New("dispatcher needs at least one binding")
	}
	seen := make(map[Kind]bool, len(bindings))
	for _, b := range bindings {
		if seen[b.Kind()] {
			return nil, fmt.Errorf("duplicate binding %s", b.Kind())
		}
		seen[b.Kind()] = true
	}

	d := &Dispatcher{bindings: bindings, active: bindings[0]}
	d.draft = d.active.NewDraft()
	return d, nil
}

// OnSwitch registers fn to run after each category change
func (d *Dispatcher) OnSwitch(fn SwitchFunc) {
	d.onSwitch = fn
}

// Active returns the active binding
func (d *Dispatcher) Active() Binding { return d.active }

// Draft returns the draft of the active binding
func (d *Dispatcher) Draft() *draft.Draft { return d.draft }

// Bindings returns the offered bindings in declaration order
func (d *Dispatcher) Bindings() []Binding {
	out := make([]Binding, len(d.bindings))
	copy(out, d.bindings)
	return out
}

// Select makes kind the active binding. The old draft is discarded and a
// fresh one built by the new binding's factory. Selecting the active kind
// keeps the current draft and reports false.
func (d *Dispatcher) Select(kind Kind) (bool, error) {
	if d.active.Kind() == kind {
		return false, nil
	}
	for _, b := range d.bindings {
		if b.Kind() != kind {
			continue
		}
		prev := d.active
		d.active = b
		d.draft = b.NewDraft()
		if d.onSwitch != nil {
			d.onSwitch(prev, b)
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownCategory, kind)
}

// Reset replaces the draft with a fresh one from the active binding
func (d *Dispatcher) Reset() *draft.Draft {
	d.draft = d.active.NewDraft()
	return d.draft
}
