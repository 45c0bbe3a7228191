package domain

import (
	"context"
	"fmt"
)

// InTx runs fn inside one transaction, committing only when fn succeeds.
func InTx(ctx context.Context, store Store, fn func(tx Tx) error) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
