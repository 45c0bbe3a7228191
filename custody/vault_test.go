package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"escrowflow/domain"
	"escrowflow/store/memstore"
)

func TestTransferFungible(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	v := NewVault()

	err := domain.InTx(ctx, store, func(tx domain.Tx) error {
		if err := v.Mint(ctx, tx, "usdc", "alice", big.NewInt(25)); err != nil {
			return err
		}
		return v.TransferFungible(ctx, tx, "usdc", "alice", "bob", big.NewInt(10))
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	err = domain.InTx(ctx, store, func(tx domain.Tx) error {
		alice, _ := v.BalanceOf(ctx, tx, "usdc", "alice")
		bob, _ := v.BalanceOf(ctx, tx, "usdc", "bob")
		if alice.Int64() != 15 || bob.Int64() != 10 {
			t.Fatalf("unexpected balances alice=%s bob=%s", alice, bob)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestTransferInsufficientBalanceChangesNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	v := NewVault()

	_ = domain.InTx(ctx, store, func(tx domain.Tx) error {
		return v.Mint(ctx, tx, "usdc", "alice", big.NewInt(5))
	})
	err := domain.InTx(ctx, store, func(tx domain.Tx) error {
		return v.TransferFungible(ctx, tx, "usdc", "alice", "bob", big.NewInt(6))
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	_ = domain.InTx(ctx, store, func(tx domain.Tx) error {
		alice, _ := v.BalanceOf(ctx, tx, "usdc", "alice")
		if alice.Int64() != 5 {
			t.Fatalf("expected balance untouched, got %s", alice)
		}
		return nil
	})
}

func TestTransferNFT(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	v := NewVault()
	token := domain.HashValues("token")

	err := domain.InTx(ctx, store, func(tx domain.Tx) error {
		if err := v.MintNFT(ctx, tx, "nft", token, "alice", big.NewInt(1)); err != nil {
			return err
		}
		if err := v.TransferNFT(ctx, tx, "nft", token, "alice", "bob", big.NewInt(1)); err != nil {
			return err
		}
		if err := v.TransferNFT(ctx, tx, "nft", token, "alice", "carol", big.NewInt(1)); !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		bob, _ := v.NFTBalanceOf(ctx, tx, "nft", token, "bob")
		if bob.Int64() != 1 {
			t.Fatalf("expected bob to hold the token, got %s", bob)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("nft: %v", err)
	}
}

func TestTransferValidation(t *testing.T) {
	ctx := context.Background()
	v := NewVault()
	_ = domain.InTx(ctx, memstore.New(), func(tx domain.Tx) error {
		cases := []struct {
			name     string
			from, to domain.Address
			amount   *big.Int
		}{
			{"missing from", "", "bob", big.NewInt(1)},
			{"missing to", "alice", "", big.NewInt(1)},
			{"nil amount", "alice", "bob", nil},
			{"negative", "alice", "bob", big.NewInt(-1)},
		}
		for _, tc := range cases {
			if err := v.TransferFungible(ctx, tx, "usdc", tc.from, tc.to, tc.amount); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
			}
		}
		if err := v.Mint(ctx, tx, "usdc", "alice", big.NewInt(0)); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected mint of zero to fail, got %v", err)
		}
		return nil
	})
}
