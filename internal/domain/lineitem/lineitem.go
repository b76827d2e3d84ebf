// Package lineitem manages the ordered, user-editable bill lines of a draft.
// The aggregate total is never stored; it is recomputed from the lines on
// every read.
package lineitem

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrIndexOutOfRange is returned for line positions that do not exist
var ErrIndexOutOfRange = errors.New("line item index out of range")

// Item is one computed bill line
type Item struct {
	Category    string          `json:"category"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    int64           `json:"quantity"`
}

// LineTotal returns unitPrice × quantity
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// Candidate is the raw scratch-pad entry typed by the user
type Candidate struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	UnitPrice   string `json:"unitPrice"`
	Quantity    string `json:"quantity"`
}

// InvalidItemError names the scratch-pad sub-field that blocked an add
type InvalidItemError struct {
	Field   string
	Message string
}

func (e *InvalidItemError) Error() string {
	return fmt.Sprintf("line item %s %s", e.Field, e.Message)
}

// Parse converts a candidate into a fully computed item
func (c Candidate) Parse() (Item, error) {
	category := strings.TrimSpace(c.Category)
	if category == "" {
		return Item{}, &InvalidItemError{Field: "category", Message: "is required"}
	}
	description := strings.TrimSpace(c.Description)
	if description == "" {
		return Item{}, &InvalidItemError{Field: "description", Message: "is required"}
	}

	qty, err := strconv.ParseInt(strings.TrimSpace(c.Quantity), 10, 64)
	if err != nil {
		return Item{}, &InvalidItemError{Field: "quantity", Message: "must be a whole number"}
	}
	if qty < 1 {
		return Item{}, &InvalidItemError{Field: "quantity", Message: "must be at least 1"}
	}

	price, err := decimal.NewFromString(strings.TrimSpace(c.UnitPrice))
	if err != nil {
		return Item{}, &InvalidItemError{Field: "unitPrice", Message: "must be a number"}
	}
	if !price.IsPositive() {
		return Item{}, &InvalidItemError{Field: "unitPrice", Message: "must be greater than 0"}
	}

	return Item{
		Category:    category,
		Description: description,
		UnitPrice:   price,
		Quantity:    qty,
	}, nil
}

// List is the ordered line-item set owned by one draft
type List struct {
	items   []Item
	scratch Candidate
}

// NewList creates an empty list
func NewList() *List {
	return &List{}
}

// Add validates and appends candidate. A rejected candidate stays on the
// scratch-pad; an accepted one clears it.
func (l *List) Add(c Candidate) (Item, error) {
	item, err := c.Parse()
	if err != nil {
		l.scratch = c
		return Item{}, err
	}
	l.items = append(l.items, item)
	l.scratch = Candidate{}
	return item, nil
}

// Restore appends already computed items, used when loading a stored record
func (l *List) Restore(items ...Item) {
	l.items = append(l.items, items...)
}

// Update replaces the item at index
func (l *List) Update(index int, c Candidate) (Item, error) {
	if err := l.checkIndex(index); err != nil {
		return Item{}, err
	}
	item, err := c.Parse()
	if err != nil {
		return Item{}, err
	}
	l.items[index] = item
	return item, nil
}

// Remove deletes the item at index
func (l *List) Remove(index int) error {
	if err := l.checkIndex(index); err != nil {
		return err
	}
	l.items = append(l.items[:index], l.items[index+1:]...)
	return nil
}

func (l *List) checkIndex(index int) error {
	if index < 0 || index >= len(l.items) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(l.items))
	}
	return nil
}

// Items returns a copy of the current lines
func (l *List) Items() []Item {
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of lines
func (l *List) Len() int { return len(l.items) }

// Scratch returns the pending, not yet accepted entry
func (l *List) Scratch() Candidate { return l.scratch }

// Total returns the sum of every line total
func (l *List) Total() decimal.Decimal {
	return Sum(l.items)
}

// Sum adds up line totals of items
func Sum(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal())
	}
	return total
}
