package session

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/medledger/hms-forms/internal/domain/forms"
	"github.com/medledger/hms-forms/internal/domain/lineitem"
	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/search"
)

// View is the render model of a session
type View struct {
	ID         string            `json:"id"`
	Form       forms.Form        `json:"form"`
	Kind       forms.Kind        `json:"kind"`
	Label      string            `json:"label"`
	Categories []Category        `json:"categories"`
	RecordID   string            `json:"recordId,omitempty"`
	Fields     map[string]string `json:"fields"`
	Locked     []string          `json:"locked"`
	Slots      []SlotView        `json:"slots"`
	Items      []ItemView        `json:"items,omitempty"`
	// Scratch is the last rejected line entry, kept for correction
	Scratch    *lineitem.Candidate `json:"scratch,omitempty"`
	Total      *decimal.Decimal    `json:"total,omitempty"`
	Submitting bool                `json:"submitting"`
}

// Category is one choice of the form's category switch
type Category struct {
	Kind   forms.Kind `json:"kind"`
	Label  string     `json:"label"`
	Active bool       `json:"active"`
}

// SlotView is a reference slot with its selection and live search state
type SlotView struct {
	Name        string                `json:"name"`
	Category    reference.Category    `json:"category"`
	SearchInput string                `json:"searchInput"`
	Selection   *reference.Selection  `json:"selection,omitempty"`
	State       search.State          `json:"state"`
	Query       string                `json:"query,omitempty"`
	Candidates  []reference.Candidate `json:"candidates"`
	Error       string                `json:"error,omitempty"`
}

// ItemView is one bill line with its computed total
type ItemView struct {
	Category    string          `json:"category"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    int64           `json:"quantity"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
}

// View renders the session
func (s *Session) View() (*View, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	active := s.dispatcher.Active()
	d := s.draft()

	v := &View{
		ID:         s.id,
		Form:       s.form,
		Kind:       active.Kind(),
		Label:      active.Label(),
		RecordID:   d.RecordID(),
		Fields:     d.Values(),
		Locked:     []string{},
		Slots:      []SlotView{},
		Submitting: s.submitting,
	}
	for _, b := range s.dispatcher.Bindings() {
		v.Categories = append(v.Categories, Category{
			Kind:   b.Kind(),
			Label:  b.Label(),
			Active: b.Kind() == active.Kind(),
		})
	}
	for _, f := range d.Fields() {
		if d.IsLocked(f) {
			v.Locked = append(v.Locked, f)
		}
	}
	sort.Strings(v.Locked)

	for _, slot := range d.Slots() {
		sv := SlotView{
			Name:        slot.Name,
			Category:    slot.Category,
			SearchInput: slot.SearchInput(),
			State:       search.StateIdle,
			Candidates:  []reference.Candidate{},
		}
		if sel, ok := d.Selection(slot.Name); ok && !sel.IsZero() {
			sv.Selection = &sel
		}
		if res, err := s.resolver.Results(slot.Name); err == nil {
			sv.State = res.State
			sv.Query = res.Query
			sv.Candidates = res.Candidates
			if res.Err != nil {
				sv.Error = "search unavailable"
			}
		}
		v.Slots = append(v.Slots, sv)
	}

	if list := d.Items(); list != nil {
		for _, it := range list.Items() {
			v.Items = append(v.Items, ItemView{
				Category:    it.Category,
				Description: it.Description,
				UnitPrice:   it.UnitPrice,
				Quantity:    it.Quantity,
				LineTotal:   it.LineTotal(),
			})
		}
		if sc := list.Scratch(); sc != (lineitem.Candidate{}) {
			v.Scratch = &sc
		}
		total := list.Total()
		v.Total = &total
	}
	return v, nil
}
