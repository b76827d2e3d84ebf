// Package forms declares every entry form as a Binding: a sealed set of
// variants each carrying its own schema, submit handler, post-submit
// destination and draft factory.
package forms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/validation"
)

// Kind identifies a binding
type Kind string

const (
	KindAdmission     Kind = "admission"
	KindBill          Kind = "bill"
	KindMoneyReceipt  Kind = "money-receipt"
	KindPatientLedger Kind = "ledger.patient"
	KindDoctorLedger  Kind = "ledger.doctor"
	KindCashLedger    Kind = "ledger.cash"
	KindBankLedger    Kind = "ledger.bank"
)

// Form names a screen that can be opened; a form offers one or more bindings
type Form string

const (
	FormAdmission    Form = "admission"
	FormBill         Form = "bill"
	FormMoneyReceipt Form = "money-receipt"
	FormLedger       Form = "ledger"
)

var (
	// ErrUnknownForm is returned for unregistered form names
	ErrUnknownForm = errors.New("unknown form")
	// ErrUnknownCategory is returned for kinds not offered by a form
	ErrUnknownCategory = errors.New("unknown category")
)

// Payload is the category-specific body sent to the remote API
type Payload map[string]interface{}

// Handler submits a draft: which remote resource receives it and how the
// draft is serialized.
type Handler struct {
	Resource string
	Encode   func(d *draft.Draft) (Payload, error)
}

// Binding is one category of entry. The set of implementations is closed;
// each variant returns its own schema, handler and destination so they can
// never be mixed across categories.
type Binding interface {
	Kind() Kind
	Label() string
	Schema() validation.Schema
	Handler() Handler
	Destination() string
	NewDraft() *draft.Draft
	binding()
}

// Bindings returns the categories offered by form, first one initial
func Bindings(form Form) ([]Binding, error) {
	switch form {
	case FormAdmission:
		return []Binding{Admission{}}, nil
	case FormBill:
		return []Binding{Bill{}}, nil
	case FormMoneyReceipt:
		return []Binding{MoneyReceipt{}}, nil
	case FormLedger:
		return LedgerBindings(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownForm, form)
	}
}

// Lookup returns the binding registered for kind
func Lookup(kind Kind) (Binding, error) {
	for _, b := range append([]Binding{Admission{}, Bill{}, MoneyReceipt{}}, LedgerBindings()...) {
		if b.Kind() == kind {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, kind)
}

// encoding serializes a draft: references as bare ids, listed scalar
// fields as text or decimal amounts, line items with their computed total.
type encoding struct {
	text    []string
	amounts []string
	items   bool
}

func (e encoding) encode(d *draft.Draft) (Payload, error) {
	p := Payload{}

	ids := make(map[string]bool)
	for _, s := range d.Slots() {
		ids[s.IDField] = true
		if sel, ok := d.Selection(s.Name); ok {
			p[s.IDField] = sel.EntityID
		}
	}

	for _, f := range e.text {
		// display fields of a selection are for confirmation only
		if d.IsLocked(f) && !ids[f] {
			continue
		}
		if v := strings.TrimSpace(d.Get(f)); v != "" {
			p[f] = v
		}
	}

	for _, f := range e.amounts {
		raw := strings.TrimSpace(d.Get(f))
		if raw == "" {
			continue
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f, err)
		}
		p[f] = amount
	}

	if e.items {
		list, err := d.LineItems()
		if err != nil {
			return nil, err
		}
		items := list.Items()
		lines := make([]map[string]interface{}, 0, len(items))
		for _, it := range items {
			lines = append(lines, map[string]interface{}{
				"category":    it.Category,
				"description": it.Description,
				"unitPrice":   it.UnitPrice,
				"quantity":    it.Quantity,
				"lineTotal":   it.LineTotal(),
			})
		}
		p["items"] = lines
		p["totalAmount"] = list.Total()
	}

	return p, nil
}
