package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/forms"
	"github.com/medledger/hms-forms/internal/domain/lineitem"
	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/domain/validation"
	"github.com/medledger/hms-forms/internal/infrastructure/hospitalapi"
)

// Fetcher reads single records from the remote API
type Fetcher interface {
	Get(ctx context.Context, resource, id string) (hospitalapi.Record, error)
}

// Loader hydrates edit-mode drafts from stored records
type Loader struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// NewLoader creates a loader
func NewLoader(fetcher Fetcher, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{fetcher: fetcher, logger: logger}
}

// Hydrate fills d from the stored record: scalar fields first, then one
// fetch per referenced entity, in parallel, to rebuild complete selections.
func (l *Loader) Hydrate(ctx context.Context, b forms.Binding, d *draft.Draft, recordID string) error {
	rec, err := l.fetcher.Get(ctx, b.Handler().Resource, recordID)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", b.Kind(), recordID, err)
	}
	d.Load(rec.Strings())
	d.SetRecordID(recordID)

	if list := d.Items(); list != nil {
		items, err := itemsOf(rec)
		if err != nil {
			return fmt.Errorf("load %s %s: %w", b.Kind(), recordID, err)
		}
		list.Restore(items...)
	}

	slots := d.Slots()
	selections := make([]reference.Selection, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range slots {
		id := rec.String(slot.IDField)
		if id == "" {
			continue
		}
		g.Go(func() error {
			ref, err := l.fetcher.Get(gctx, slot.Category.Resource(), id)
			if err != nil {
				return fmt.Errorf("load %s %s: %w", slot.Category, id, err)
			}
			sel, err := reference.NewSelection(slot, reference.Candidate{ID: id, Fields: ref.Strings()})
			if err != nil {
				return err
			}
			selections[i] = sel
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, slot := range slots {
		if selections[i].IsZero() {
			continue
		}
		if _, err := d.Bind(slot.Name, selections[i]); err != nil {
			return err
		}
	}

	l.logger.Debug("draft hydrated",
		zap.String("kind", string(b.Kind())),
		zap.String("record_id", recordID))
	return nil
}

// itemsOf reads the stored bill lines of a record
func itemsOf(rec hospitalapi.Record) ([]lineitem.Item, error) {
	raw, ok := rec[validation.ItemsField].([]interface{})
	if !ok {
		return nil, nil
	}
	items := make([]lineitem.Item, 0, len(raw))
	for i, entry := range raw {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("item %d is not an object", i)
		}
		r := hospitalapi.Record(fields)
		item, err := lineitem.Candidate{
			Category:    r.String("category"),
			Description: r.String("description"),
			UnitPrice:   r.String("unitPrice"),
			Quantity:    r.String("quantity"),
		}.Parse()
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}
