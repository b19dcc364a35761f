// Package authority derives the program-exclusive signing capabilities of
// the registry. Every basket owns two derived authorities: the mint
// authority that mints bot rewards, and the fee vault that reimburses
// execution fees. Both are program-derived addresses with no private key;
// the stored bump makes the derivation reproducible.
package authority

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/rebalnet/registry/registry/pkg/types"
)

// Derivation seeds. These match the on-chain program's seed layout so
// addresses agree between the registry and the token ledger.
const (
	SeedBasket   = "basket"
	SeedMintAuth = "mint_auth"
	SeedFeeVault = "fee_vault"
)

// Credential is an opaque capability for one derived authority. Holding a
// Credential means the engine may order mint/transfer actions under that
// authority; it is never backed by a raw keypair.
type Credential struct {
	Address solana.PublicKey
	Bump    uint8
}

// DeriveBasketID derives the basket identity from its authority and
// rebalancing mint. One basket per (authority, mint) pair falls out of the
// derivation being deterministic.
func DeriveBasketID(programID, auth, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, [][]byte{[]byte(SeedBasket), auth.Bytes(), mint.Bytes()})
}

// DeriveMintAuthority derives the reward-mint authority for a basket.
func DeriveMintAuthority(programID, basket solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, [][]byte{[]byte(SeedMintAuth), basket.Bytes()})
}

// DeriveFeeVault derives the fee vault address for a basket.
func DeriveFeeVault(programID, basket solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, [][]byte{[]byte(SeedFeeVault), basket.Bytes()})
}

func derive(programID solana.PublicKey, seeds [][]byte) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive program address: %w", err)
	}
	return addr, bump, nil
}

// VerifyBump checks that a stored bump reproduces the expected address for
// the given seed and basket. Initialize uses it to validate caller-supplied
// bumps before persisting them.
func VerifyBump(programID, basket solana.PublicKey, seed string, bump uint8, want solana.PublicKey) error {
	addr, err := solana.CreateProgramAddress([][]byte{[]byte(seed), basket.Bytes(), {bump}}, programID)
	if err != nil {
		return fmt.Errorf("%w: bump %d yields no valid address for seed %q", types.ErrInvalidParameter, bump, seed)
	}
	if !addr.Equals(want) {
		return fmt.Errorf("%w: bump %d derives %s, expected %s", types.ErrInvalidParameter, bump, addr, want)
	}
	return nil
}

// TokenLedger is the external mint/transfer capability the engine orders
// token movement through. Implementations must honor the credential scoping:
// MintTo only succeeds under the basket's derived mint authority, and
// TransferLamports only under its fee vault.
type TokenLedger interface {
	// Supply returns the current total supply of a mint.
	Supply(ctx context.Context, mint solana.PublicKey) (uint64, error)

	// MintTo mints amount of the reward token to recipient under the
	// derived mint authority.
	MintTo(ctx context.Context, mint solana.PublicKey, auth Credential, recipient solana.PublicKey, amount uint64) error

	// TransferLamports moves lamports from the fee vault to recipient. It
	// fails with types.ErrFeeVaultUnderfunded when the vault balance is
	// below the requested amount.
	TransferLamports(ctx context.Context, vault Credential, recipient solana.PublicKey, lamports uint64) error

	// VaultBalance returns the fee vault's current lamport balance.
	VaultBalance(ctx context.Context, vault solana.PublicKey) (uint64, error)
}
