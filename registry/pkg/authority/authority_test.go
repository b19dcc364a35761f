package authority_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/rebalnet/registry/registry/pkg/authority"
	"github.com/rebalnet/registry/registry/pkg/types"
)

func TestRegistry_Authority_Derivation(t *testing.T) {
	t.Parallel()

	programID := solana.NewWallet().PublicKey()
	auth := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		a1, b1, err := authority.DeriveBasketID(programID, auth, mint)
		require.NoError(t, err)
		a2, b2, err := authority.DeriveBasketID(programID, auth, mint)
		require.NoError(t, err)
		require.Equal(t, a1, a2)
		require.Equal(t, b1, b2)
	})

	t.Run("distinct per input", func(t *testing.T) {
		t.Parallel()
		basket, _, err := authority.DeriveBasketID(programID, auth, mint)
		require.NoError(t, err)
		other, _, err := authority.DeriveBasketID(programID, auth, solana.NewWallet().PublicKey())
		require.NoError(t, err)
		require.NotEqual(t, basket, other)

		mintAuth, _, err := authority.DeriveMintAuthority(programID, basket)
		require.NoError(t, err)
		feeVault, _, err := authority.DeriveFeeVault(programID, basket)
		require.NoError(t, err)
		require.NotEqual(t, mintAuth, feeVault)
		require.NotEqual(t, basket, mintAuth)
	})

	t.Run("verify bump round trips", func(t *testing.T) {
		t.Parallel()
		basket, _, err := authority.DeriveBasketID(programID, auth, mint)
		require.NoError(t, err)
		addr, bump, err := authority.DeriveMintAuthority(programID, basket)
		require.NoError(t, err)

		require.NoError(t, authority.VerifyBump(programID, basket, authority.SeedMintAuth, bump, addr))
		err = authority.VerifyBump(programID, basket, authority.SeedMintAuth, bump, solana.NewWallet().PublicKey())
		require.Error(t, err)
	})
}

func TestRegistry_Authority_MemoryLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mint := solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()
	mintAuth := authority.Credential{Address: solana.NewWallet().PublicKey(), Bump: 254}
	vault := authority.Credential{Address: solana.NewWallet().PublicKey(), Bump: 253}

	t.Run("mint updates balance and supply", func(t *testing.T) {
		t.Parallel()
		ledger := authority.NewMemoryLedger()

		require.NoError(t, ledger.MintTo(ctx, mint, mintAuth, recipient, 500))
		require.Equal(t, uint64(500), ledger.TokenBalance(mint, recipient))

		supply, err := ledger.Supply(ctx, mint)
		require.NoError(t, err)
		require.Equal(t, uint64(500), supply)
	})

	t.Run("mint without credential fails", func(t *testing.T) {
		t.Parallel()
		ledger := authority.NewMemoryLedger()
		err := ledger.MintTo(ctx, mint, authority.Credential{}, recipient, 1)
		require.ErrorIs(t, err, types.ErrUnauthorized)
	})

	t.Run("transfer debits the vault", func(t *testing.T) {
		t.Parallel()
		ledger := authority.NewMemoryLedger()
		ledger.Fund(vault.Address, 1000)

		require.NoError(t, ledger.TransferLamports(ctx, vault, recipient, 400))
		require.Equal(t, uint64(600), ledger.LamportBalance(vault.Address))
		require.Equal(t, uint64(400), ledger.LamportBalance(recipient))

		balance, err := ledger.VaultBalance(ctx, vault.Address)
		require.NoError(t, err)
		require.Equal(t, uint64(600), balance)
	})

	t.Run("underfunded transfer fails", func(t *testing.T) {
		t.Parallel()
		ledger := authority.NewMemoryLedger()
		ledger.Fund(vault.Address, 10)
		err := ledger.TransferLamports(ctx, vault, recipient, 11)
		require.ErrorIs(t, err, types.ErrFeeVaultUnderfunded)
	})
}
