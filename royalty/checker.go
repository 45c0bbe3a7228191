// Package royalty validates that a payment split honours the creator's
// royalty share.
package royalty

import (
	"context"
	"fmt"
	"math/big"

	"escrowflow/domain"
)

const ppmScale = 1_000_000

// Checker approves an amount/receiver split for a resource.
type Checker interface {
	Check(ctx context.Context, tx domain.Tx, resourceID domain.Hash, amounts []*big.Int, receivers []domain.Address) (bool, error)
}

// StandardChecker requires the resource creator to receive at least
// RoyaltyPPM/1e6 of the total, rounded down.
type StandardChecker struct{}

func (StandardChecker) Check(ctx context.Context, tx domain.Tx, resourceID domain.Hash, amounts []*big.Int, receivers []domain.Address) (bool, error) {
	if len(amounts) != len(receivers) {
		return false, domain.NewError(domain.CodeArgumentLengthMismatch,
			fmt.Sprintf("royalty: %d amounts for %d receivers", len(amounts), len(receivers)))
	}
	res, err := tx.Resources().Get(ctx, resourceID)
	if err != nil {
		return false, err
	}
	if res.RoyaltyPPM == 0 {
		return true, nil
	}

	total := new(big.Int)
	creatorShare := new(big.Int)
	for i, amount := range amounts {
		if amount == nil {
			continue
		}
		total.Add(total, amount)
		if receivers[i] == res.Creator {
			creatorShare.Add(creatorShare, amount)
		}
	}
	return creatorShare.Cmp(Required(total, res.RoyaltyPPM)) >= 0, nil
}

// Required returns the minimum creator share for total at ppm.
func Required(total *big.Int, ppm uint64) *big.Int {
	out := new(big.Int).Mul(total, new(big.Int).SetUint64(ppm))
	return out.Quo(out, big.NewInt(ppmScale))
}

// NoopChecker approves every split.
type NoopChecker struct{}

func (NoopChecker) Check(context.Context, domain.Tx, domain.Hash, []*big.Int, []domain.Address) (bool, error) {
	return true, nil
}
