package returns

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/generic"
)

// NewService wires a return service with the default clinical rules.
func NewService(store generic.TxStore, audit generic.AuditLog, logger *zap.Logger) *generic.ReturnService {
	return generic.NewReturnService(store, audit, logger, DefaultRules()...)
}

// NewResolver returns an eligibility resolver over store.
func NewResolver(store generic.Store) *generic.Resolver {
	return &generic.Resolver{Store: store}
}

// Import stores newly prescribed items in one transaction. It refuses the
// whole batch if any id is already known: consumption counters belong to
// the engine once an item exists.
func Import(ctx context.Context, store generic.TxStore, items []generic.SourceItem) error {
	return store.WithTx(ctx, func(tx generic.Store) error {
		seen := make(map[generic.SourceID]bool, len(items))
		for _, it := range items {
			if seen[it.ID] {
				return fmt.Errorf("%w: source item %s listed twice", generic.ErrValidation, it.ID)
			}
			seen[it.ID] = true

			_, err := tx.GetSourceItem(ctx, it.ID)
			switch {
			case err == nil:
				return fmt.Errorf("%w: source item %s", generic.ErrAlreadyExists, it.ID)
			case !errors.Is(err, generic.ErrSourceItemNotFound):
				return err
			}
			if err := tx.SaveSourceItem(ctx, it); err != nil {
				return err
			}
		}
		return nil
	})
}
