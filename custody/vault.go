// Package custody holds fungible and NFT balances for every principal,
// escrow accounts included.
package custody

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"escrowflow/domain"
)

// Vault moves balances inside the caller's transaction, so a failed
// condition leaves custody untouched.
type Vault struct {
	logger zerolog.Logger
}

func NewVault() *Vault {
	return &Vault{logger: zerolog.Nop()}
}

func (v *Vault) WithLogger(logger zerolog.Logger) *Vault {
	v.logger = logger.With().Str("component", "custody").Logger()
	return v
}

// TransferFungible moves amount of asset from one holder to another.
func (v *Vault) TransferFungible(ctx context.Context, tx domain.Tx, asset, from, to domain.Address, amount *big.Int) error {
	if err := checkTransfer(from, to, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	balances := tx.Balances()
	src, err := balances.Fungible(ctx, asset, from)
	if err != nil {
		return fmt.Errorf("custody: read balance: %w", err)
	}
	if src.Cmp(amount) < 0 {
		return domain.NewError(domain.CodeInsufficientBalance,
			fmt.Sprintf("custody: %s holds %s %s, needs %s", from, src, asset, amount))
	}
	dst, err := balances.Fungible(ctx, asset, to)
	if err != nil {
		return fmt.Errorf("custody: read balance: %w", err)
	}
	if err := balances.SetFungible(ctx, asset, from, src.Sub(src, amount)); err != nil {
		return fmt.Errorf("custody: debit: %w", err)
	}
	if err := balances.SetFungible(ctx, asset, to, dst.Add(dst, amount)); err != nil {
		return fmt.Errorf("custody: credit: %w", err)
	}
	v.logger.Debug().
		Str("asset", asset.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("amount", amount.String()).
		Msg("fungible_transferred")
	return nil
}

// TransferNFT moves amount units of contract/tokenID. Single-edition assets
// use amount 1.
func (v *Vault) TransferNFT(ctx context.Context, tx domain.Tx, contract domain.Address, tokenID domain.Hash, from, to domain.Address, amount *big.Int) error {
	if err := checkTransfer(from, to, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	balances := tx.Balances()
	src, err := balances.NFT(ctx, contract, tokenID, from)
	if err != nil {
		return fmt.Errorf("custody: read nft balance: %w", err)
	}
	if src.Cmp(amount) < 0 {
		return domain.NewError(domain.CodeInsufficientBalance,
			fmt.Sprintf("custody: %s holds %s of %s/%s, needs %s", from, src, contract, tokenID, amount))
	}
	dst, err := balances.NFT(ctx, contract, tokenID, to)
	if err != nil {
		return fmt.Errorf("custody: read nft balance: %w", err)
	}
	if err := balances.SetNFT(ctx, contract, tokenID, from, src.Sub(src, amount)); err != nil {
		return fmt.Errorf("custody: debit nft: %w", err)
	}
	if err := balances.SetNFT(ctx, contract, tokenID, to, dst.Add(dst, amount)); err != nil {
		return fmt.Errorf("custody: credit nft: %w", err)
	}
	v.logger.Debug().
		Str("contract", contract.String()).
		Str("token_id", tokenID.Hex()).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("amount", amount.String()).
		Msg("nft_transferred")
	return nil
}

// SetApprovalForAll lets operator move any of holder's units of contract, or
// revokes that approval.
func (v *Vault) SetApprovalForAll(ctx context.Context, tx domain.Tx, contract, holder, operator domain.Address, approved bool) error {
	if contract.IsZero() || holder.IsZero() || operator.IsZero() {
		return domain.NewError(domain.CodeInvalidArgument, "custody: contract, holder and operator required")
	}
	if holder == operator {
		return domain.NewError(domain.CodeInvalidArgument, "custody: holder cannot approve itself")
	}
	if err := tx.Balances().SetOperator(ctx, contract, holder, operator, approved); err != nil {
		return fmt.Errorf("custody: set operator: %w", err)
	}
	v.logger.Debug().
		Str("contract", contract.String()).
		Str("holder", holder.String()).
		Str("operator", operator.String()).
		Bool("approved", approved).
		Msg("nft_operator_set")
	return nil
}

func (v *Vault) IsApprovedForAll(ctx context.Context, tx domain.Tx, contract, holder, operator domain.Address) (bool, error) {
	return tx.Balances().Operator(ctx, contract, holder, operator)
}

func (v *Vault) BalanceOf(ctx context.Context, tx domain.Tx, asset, holder domain.Address) (*big.Int, error) {
	return tx.Balances().Fungible(ctx, asset, holder)
}

func (v *Vault) NFTBalanceOf(ctx context.Context, tx domain.Tx, contract domain.Address, tokenID domain.Hash, holder domain.Address) (*big.Int, error) {
	return tx.Balances().NFT(ctx, contract, tokenID, holder)
}

// Mint credits new fungible units to holder. Only the dev faucet and tests
// create value this way.
func (v *Vault) Mint(ctx context.Context, tx domain.Tx, asset, holder domain.Address, amount *big.Int) error {
	if holder.IsZero() || asset.IsZero() {
		return domain.NewError(domain.CodeInvalidArgument, "custody: asset and holder required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.NewError(domain.CodeInvalidArgument, "custody: mint amount must be positive")
	}
	cur, err := tx.Balances().Fungible(ctx, asset, holder)
	if err != nil {
		return fmt.Errorf("custody: read balance: %w", err)
	}
	if err := tx.Balances().SetFungible(ctx, asset, holder, cur.Add(cur, amount)); err != nil {
		return fmt.Errorf("custody: mint: %w", err)
	}
	return nil
}

// MintNFT credits new units of contract/tokenID to holder.
func (v *Vault) MintNFT(ctx context.Context, tx domain.Tx, contract domain.Address, tokenID domain.Hash, holder domain.Address, amount *big.Int) error {
	if holder.IsZero() || contract.IsZero() {
		return domain.NewError(domain.CodeInvalidArgument, "custody: contract and holder required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.NewError(domain.CodeInvalidArgument, "custody: mint amount must be positive")
	}
	cur, err := tx.Balances().NFT(ctx, contract, tokenID, holder)
	if err != nil {
		return fmt.Errorf("custody: read nft balance: %w", err)
	}
	if err := tx.Balances().SetNFT(ctx, contract, tokenID, holder, cur.Add(cur, amount)); err != nil {
		return fmt.Errorf("custody: mint nft: %w", err)
	}
	return nil
}

func checkTransfer(from, to domain.Address, amount *big.Int) error {
	if from.IsZero() || to.IsZero() {
		return domain.NewError(domain.CodeInvalidArgument, "custody: transfer endpoints required")
	}
	if amount == nil || amount.Sign() < 0 {
		return domain.NewError(domain.CodeInvalidArgument, "custody: amount must not be negative")
	}
	return nil
}
