package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/rebalnet/registry/registry/pkg/authority"
	"github.com/rebalnet/registry/registry/pkg/engine"
	"github.com/rebalnet/registry/registry/pkg/events"
	"github.com/rebalnet/registry/registry/pkg/store"
	"github.com/rebalnet/registry/registry/pkg/types"
	registrytesting "github.com/rebalnet/registry/registry/testing"
)

type fixture struct {
	engine *engine.Engine
	clock  *clockwork.FakeClock
	ledger *authority.MemoryLedger
	store  *store.Memory
	bus    *events.Bus

	programID solana.PublicKey
	authority solana.PublicKey
	mint      solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ledger := authority.NewMemoryLedger()
	mem := store.NewMemory()
	bus := events.NewBus(16)
	programID := solana.NewWallet().PublicKey()

	eng, err := engine.New(engine.Config{
		Logger:    registrytesting.NewLogger(),
		Clock:     clock,
		Store:     mem,
		Ledger:    ledger,
		Bus:       bus,
		ProgramID: programID,
	})
	require.NoError(t, err)

	f := &fixture{
		engine:    eng,
		clock:     clock,
		ledger:    ledger,
		store:     mem,
		bus:       bus,
		programID: programID,
		authority: solana.NewWallet().PublicKey(),
		mint:      solana.NewWallet().PublicKey(),
	}
	return f
}

func (f *fixture) initParams() engine.InitializeParams {
	return engine.InitializeParams{
		Authority:      f.authority,
		Mint:           f.mint,
		Name:           "Test Basket",
		Description:    "integration basket",
		Threshold:      5,
		Strategy:       types.StrategyPeriodic,
		EligibleAssets: []solana.PublicKey{solana.NewWallet().PublicKey()},
		QuorumPct:      10,
		Cooldown:       60 * time.Second,
		BaseReward:     1000,
		LamportsReward: 1000,
		SlashFactor:    2,
	}
}

// initBasket creates the standard basket, funds its fee vault, and stakes
// the given voters.
func (f *fixture) initBasket(t *testing.T, stakes map[solana.PublicKey]uint64) *types.BasketConfig {
	t.Helper()
	ctx := context.Background()

	cfg, err := f.engine.InitializeBasket(ctx, f.initParams())
	require.NoError(t, err)
	f.ledger.Fund(cfg.FeeVault, 1_000_000)

	for voter, amount := range stakes {
		require.NoError(t, f.engine.DepositStake(ctx, cfg.ID, voter, amount))
	}
	return cfg
}

func TestRegistry_Engine_InitializeBasket(t *testing.T) {
	t.Parallel()

	t.Run("round trips config with derived authorities", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		cfg, err := f.engine.InitializeBasket(ctx, f.initParams())
		require.NoError(t, err)
		require.False(t, cfg.ID.IsZero())
		require.False(t, cfg.MintAuthority.IsZero())
		require.False(t, cfg.FeeVault.IsZero())
		require.NotEqual(t, cfg.MintAuthority, cfg.FeeVault)
		require.True(t, cfg.LastRebalanceAt.IsZero())

		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.Equal(t, cfg.Name, got.Name)
		require.Equal(t, uint64(5), got.Threshold)
		require.Equal(t, types.StrategyPeriodic, got.Strategy)
		require.Equal(t, uint8(10), got.QuorumPct)
		require.Equal(t, 60*time.Second, got.Cooldown)
		require.Equal(t, uint64(1000), got.BaseReward)
		require.Equal(t, uint64(2), got.SlashFactor)
	})

	t.Run("rejects duplicate authority and mint pair", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		_, err := f.engine.InitializeBasket(ctx, f.initParams())
		require.NoError(t, err)
		_, err = f.engine.InitializeBasket(ctx, f.initParams())
		require.ErrorIs(t, err, types.ErrDuplicateBasket)
	})

	t.Run("rejects invalid parameters", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		for _, tc := range []struct {
			name   string
			mutate func(*engine.InitializeParams)
		}{
			{"empty name", func(p *engine.InitializeParams) { p.Name = "" }},
			{"zero threshold", func(p *engine.InitializeParams) { p.Threshold = 0 }},
			{"quorum over 100", func(p *engine.InitializeParams) { p.QuorumPct = 101 }},
			{"no eligible assets", func(p *engine.InitializeParams) { p.EligibleAssets = nil }},
			{"unknown strategy", func(p *engine.InitializeParams) { p.Strategy = types.Strategy(9) }},
		} {
			p := f.initParams()
			tc.mutate(&p)
			_, err := f.engine.InitializeBasket(ctx, p)
			require.ErrorIs(t, err, types.ErrInvalidParameter, tc.name)
		}
	})

	t.Run("verifies supplied bumps against the canonical derivation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()

		basketID, _, err := authority.DeriveBasketID(f.programID, f.authority, f.mint)
		require.NoError(t, err)
		_, mintBump, err := authority.DeriveMintAuthority(f.programID, basketID)
		require.NoError(t, err)
		_, vaultBump, err := authority.DeriveFeeVault(f.programID, basketID)
		require.NoError(t, err)

		// A wrong bump fails regardless of which side of the canonical value
		// it lands on: either the derivation is invalid or it yields a
		// different address.
		wrong := mintBump - 1
		p := f.initParams()
		p.MintAuthBump = &wrong
		_, err = f.engine.InitializeBasket(ctx, p)
		require.ErrorIs(t, err, types.ErrInvalidParameter)

		// An explicit zero is a supplied bump, not an omission.
		zero := uint8(0)
		p = f.initParams()
		p.FeeVaultBump = &zero
		_, err = f.engine.InitializeBasket(ctx, p)
		require.ErrorIs(t, err, types.ErrInvalidParameter)

		p = f.initParams()
		p.MintAuthBump = &mintBump
		p.FeeVaultBump = &vaultBump
		cfg, err := f.engine.InitializeBasket(ctx, p)
		require.NoError(t, err)
		require.Equal(t, mintBump, cfg.MintAuthBump)
		require.Equal(t, vaultBump, cfg.FeeVaultBump)
	})
}

func TestRegistry_Engine_Stake(t *testing.T) {
	t.Parallel()

	t.Run("deposit and withdraw", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 500})

		acct, err := f.engine.StakeAccount(ctx, cfg.ID, voter)
		require.NoError(t, err)
		require.Equal(t, uint64(500), acct.Staked)
		require.Equal(t, uint64(0), acct.Locked)

		require.NoError(t, f.engine.WithdrawStake(ctx, cfg.ID, voter, 200))
		acct, err = f.engine.StakeAccount(ctx, cfg.ID, voter)
		require.NoError(t, err)
		require.Equal(t, uint64(300), acct.Staked)
	})

	t.Run("withdraw beyond available fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 100})

		err := f.engine.WithdrawStake(ctx, cfg.ID, voter, 101)
		require.ErrorIs(t, err, types.ErrInsufficientStake)
	})

	t.Run("deposit to unknown basket fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		err := f.engine.DepositStake(context.Background(),
			solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 1)
		require.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestRegistry_Engine_Propose(t *testing.T) {
	t.Parallel()

	t.Run("snapshots stake at creation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 400})

		p, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, types.StatusActive, p.Status)
		require.Equal(t, uint64(400), p.SnapshotStake)
		require.Equal(t, uint8(10), p.QuorumPct)

		// Later deposits do not move the snapshot.
		require.NoError(t, f.engine.DepositStake(ctx, cfg.ID, solana.NewWallet().PublicKey(), 10_000))
		got, err := f.engine.Proposal(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)
		require.Equal(t, uint64(400), got.SnapshotStake)
	})

	t.Run("one active proposal per kind", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 100})
		expiry := f.clock.Now().Add(time.Hour)

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, expiry)
		require.NoError(t, err)

		_, err = f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 9}, expiry)
		require.ErrorIs(t, err, types.ErrProposalAlreadyActive)

		// A different kind is independent.
		_, err = f.engine.Propose(ctx, cfg.ID, types.KindStrategy, voter,
			types.ProposalValue{Strategy: types.StrategyHybrid}, expiry)
		require.NoError(t, err)
	})

	t.Run("validates payload per kind", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 100})
		expiry := f.clock.Now().Add(time.Hour)

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 0}, expiry)
		require.ErrorIs(t, err, types.ErrInvalidParameter)

		_, err = f.engine.Propose(ctx, cfg.ID, types.KindStrategy, voter,
			types.ProposalValue{Strategy: types.Strategy(7)}, expiry)
		require.ErrorIs(t, err, types.ErrInvalidParameter)

		dup := solana.NewWallet().PublicKey()
		_, err = f.engine.Propose(ctx, cfg.ID, types.KindAssets, voter,
			types.ProposalValue{Assets: []solana.PublicKey{dup, dup}}, expiry)
		require.ErrorIs(t, err, types.ErrInvalidParameter)

		_, err = f.engine.Propose(ctx, cfg.ID, "color", voter,
			types.ProposalValue{}, expiry)
		require.ErrorIs(t, err, types.ErrInvalidParameter)
	})

	t.Run("rejects past expiry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 100})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(-time.Minute))
		require.ErrorIs(t, err, types.ErrInvalidParameter)
	})
}

func TestRegistry_Engine_Vote(t *testing.T) {
	t.Parallel()

	t.Run("locks weight and tallies", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 500})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)

		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, voter, true, 300))

		p, err := f.engine.Proposal(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)
		require.Equal(t, uint64(300), p.YesVotes)
		require.Equal(t, uint64(0), p.NoVotes)

		acct, err := f.engine.StakeAccount(ctx, cfg.ID, voter)
		require.NoError(t, err)
		require.Equal(t, uint64(300), acct.Locked)
		require.Equal(t, uint64(200), acct.Available())

		// Locked stake cannot be withdrawn.
		err = f.engine.WithdrawStake(ctx, cfg.ID, voter, 201)
		require.ErrorIs(t, err, types.ErrInsufficientStake)
	})

	t.Run("voter votes once per proposal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 500})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)

		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, voter, true, 100))
		err = f.engine.Vote(ctx, cfg.ID, types.KindThreshold, voter, false, 100)
		require.ErrorIs(t, err, types.ErrAlreadyVoted)
	})

	t.Run("weight above available stake fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 100})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)

		err = f.engine.Vote(ctx, cfg.ID, types.KindThreshold, voter, true, 101)
		require.ErrorIs(t, err, types.ErrInsufficientStake)

		// Failed vote locks nothing.
		acct, err := f.engine.StakeAccount(ctx, cfg.ID, voter)
		require.NoError(t, err)
		require.Equal(t, uint64(0), acct.Locked)
	})

	t.Run("no active proposal fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 100})

		err := f.engine.Vote(ctx, cfg.ID, types.KindThreshold, voter, true, 10)
		require.ErrorIs(t, err, types.ErrProposalNotActive)
	})

	t.Run("vote after expiry flips proposal and releases escrow", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		alice := solana.NewWallet().PublicKey()
		bob := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{alice: 500, bob: 500})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, alice,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, alice, true, 400))

		f.clock.Advance(2 * time.Hour)

		err = f.engine.Vote(ctx, cfg.ID, types.KindThreshold, bob, true, 100)
		require.ErrorIs(t, err, types.ErrProposalExpired)

		p, err := f.engine.Proposal(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)
		require.Equal(t, types.StatusExpired, p.Status)

		acct, err := f.engine.StakeAccount(ctx, cfg.ID, alice)
		require.NoError(t, err)
		require.Equal(t, uint64(0), acct.Locked)

		// Config untouched.
		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(5), got.Threshold)
	})
}

func TestRegistry_Engine_Finalize(t *testing.T) {
	t.Parallel()

	t.Run("passes with quorum and majority, applies value", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		alice := solana.NewWallet().PublicKey()
		bob := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{alice: 600, bob: 400})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, alice,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, alice, true, 600))
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, bob, false, 400))

		status, err := f.engine.Finalize(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)
		require.Equal(t, types.StatusPassed, status)

		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(8), got.Threshold)

		// Escrow released on both sides.
		for _, v := range []solana.PublicKey{alice, bob} {
			acct, err := f.engine.StakeAccount(ctx, cfg.ID, v)
			require.NoError(t, err)
			require.Equal(t, uint64(0), acct.Locked)
		}
	})

	t.Run("strategy and assets proposals apply their values", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 1000})
		expiry := f.clock.Now().Add(time.Hour)

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindStrategy, voter,
			types.ProposalValue{Strategy: types.StrategyHybrid}, expiry)
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindStrategy, voter, true, 500))
		status, err := f.engine.Finalize(ctx, cfg.ID, types.KindStrategy)
		require.NoError(t, err)
		require.Equal(t, types.StatusPassed, status)

		assets := []solana.PublicKey{solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()}
		_, err = f.engine.Propose(ctx, cfg.ID, types.KindAssets, voter,
			types.ProposalValue{Assets: assets}, expiry)
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindAssets, voter, true, 500))
		status, err = f.engine.Finalize(ctx, cfg.ID, types.KindAssets)
		require.NoError(t, err)
		require.Equal(t, types.StatusPassed, status)

		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.Equal(t, types.StrategyHybrid, got.Strategy)
		require.Equal(t, assets, got.EligibleAssets)
	})

	t.Run("tie rejects", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		alice := solana.NewWallet().PublicKey()
		bob := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{alice: 500, bob: 500})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, alice,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, alice, true, 500))
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, bob, false, 500))

		status, err := f.engine.Finalize(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)
		require.Equal(t, types.StatusRejected, status)

		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(5), got.Threshold)
	})

	t.Run("quorum unmet before expiry rejects without applying", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		whale := solana.NewWallet().PublicKey()
		minnow := solana.NewWallet().PublicKey()
		// Quorum is 10% of 100k = 10k; the minnow's 5 is not enough.
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{whale: 100_000, minnow: 100})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, minnow,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, minnow, true, 5))

		status, err := f.engine.Finalize(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)
		require.Equal(t, types.StatusRejected, status)

		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(5), got.Threshold)
	})

	t.Run("expired without quorum never passes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		whale := solana.NewWallet().PublicKey()
		minnow := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{whale: 100_000, minnow: 100})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, minnow,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, minnow, true, 5))

		f.clock.Advance(2 * time.Hour)

		status, err := f.engine.Finalize(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)
		require.Equal(t, types.StatusExpired, status)

		acct, err := f.engine.StakeAccount(ctx, cfg.ID, minnow)
		require.NoError(t, err)
		require.Equal(t, uint64(0), acct.Locked)
	})

	t.Run("quorum met after expiry still settles on the votes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 1000})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, voter, true, 900))

		f.clock.Advance(2 * time.Hour)

		status, err := f.engine.Finalize(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)
		require.Equal(t, types.StatusPassed, status)
	})

	t.Run("finalize is terminal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 1000})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, f.engine.Vote(ctx, cfg.ID, types.KindThreshold, voter, true, 500))

		_, err = f.engine.Finalize(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)

		_, err = f.engine.Finalize(ctx, cfg.ID, types.KindThreshold)
		require.ErrorIs(t, err, types.ErrProposalNotActive)

		err = f.engine.Vote(ctx, cfg.ID, types.KindThreshold, voter, true, 1)
		require.ErrorIs(t, err, types.ErrProposalNotActive)
	})

	t.Run("new proposal allowed after terminal state", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		voter := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, map[solana.PublicKey]uint64{voter: 1000})

		_, err := f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 8}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		_, err = f.engine.Finalize(ctx, cfg.ID, types.KindThreshold)
		require.NoError(t, err)

		_, err = f.engine.Propose(ctx, cfg.ID, types.KindThreshold, voter,
			types.ProposalValue{Threshold: 9}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
	})
}

func TestRegistry_Engine_ExecuteRebalance(t *testing.T) {
	t.Parallel()

	t.Run("pays proportional reward and flat fee", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		bot := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, nil)

		// base_reward=1000, threshold=5, corrected=10-2=8:
		// reward = 1000*8/5 = 1600, post 2 <= threshold so no slash.
		receipt, err := f.engine.ExecuteRebalance(ctx, cfg.ID, bot,
			types.RebalanceReport{PreDeviation: 10, PostDeviation: 2})
		require.NoError(t, err)
		require.Equal(t, uint64(1600), receipt.Reward)
		require.Equal(t, uint64(0), receipt.Slash)
		require.Equal(t, uint64(1600), receipt.Payout)
		require.Equal(t, uint64(1000), receipt.Lamports)

		require.Equal(t, uint64(1600), f.ledger.TokenBalance(f.mint, bot))
		require.Equal(t, uint64(1000), f.ledger.LamportBalance(bot))
		require.Equal(t, uint64(999_000), f.ledger.LamportBalance(cfg.FeeVault))

		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.Equal(t, f.clock.Now().UTC(), got.LastRebalanceAt)
	})

	t.Run("slashes when post deviation exceeds threshold", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		bot := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, nil)

		// corrected = 20-7 = 13: reward = 1000*13/5 = 2600.
		// post 7 > 5: slash = 2600*2 = 5200, payout floors at 0.
		receipt, err := f.engine.ExecuteRebalance(ctx, cfg.ID, bot,
			types.RebalanceReport{PreDeviation: 20, PostDeviation: 7})
		require.NoError(t, err)
		require.Equal(t, uint64(2600), receipt.Reward)
		require.Equal(t, uint64(5200), receipt.Slash)
		require.Equal(t, uint64(0), receipt.Payout)

		// No tokens minted, fee still paid.
		require.Equal(t, uint64(0), f.ledger.TokenBalance(f.mint, bot))
		require.Equal(t, uint64(1000), f.ledger.LamportBalance(bot))
	})

	t.Run("no improvement fails and leaves no trace", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		bot := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, nil)

		_, err := f.engine.ExecuteRebalance(ctx, cfg.ID, bot,
			types.RebalanceReport{PreDeviation: 5, PostDeviation: 5})
		require.ErrorIs(t, err, types.ErrNoImprovement)

		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.True(t, got.LastRebalanceAt.IsZero())
		require.Equal(t, uint64(0), f.ledger.LamportBalance(bot))

		receipts, err := f.engine.Receipts(ctx, cfg.ID, 10)
		require.NoError(t, err)
		require.Empty(t, receipts)
	})

	t.Run("cooldown gates repeat execution", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		bot := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, nil)
		report := types.RebalanceReport{PreDeviation: 10, PostDeviation: 2}

		_, err := f.engine.ExecuteRebalance(ctx, cfg.ID, bot, report)
		require.NoError(t, err)

		_, err = f.engine.ExecuteRebalance(ctx, cfg.ID, bot, report)
		require.ErrorIs(t, err, types.ErrCooldownNotElapsed)

		f.clock.Advance(59 * time.Second)
		_, err = f.engine.ExecuteRebalance(ctx, cfg.ID, bot, report)
		require.ErrorIs(t, err, types.ErrCooldownNotElapsed)

		f.clock.Advance(time.Second)
		_, err = f.engine.ExecuteRebalance(ctx, cfg.ID, bot, report)
		require.NoError(t, err)
	})

	t.Run("whitelist gates bots when enabled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		allowed := solana.NewWallet().PublicKey()
		stranger := solana.NewWallet().PublicKey()

		p := f.initParams()
		p.WhitelistEnabled = true
		p.Whitelist = []solana.PublicKey{allowed}
		cfg, err := f.engine.InitializeBasket(ctx, p)
		require.NoError(t, err)
		f.ledger.Fund(cfg.FeeVault, 1_000_000)
		report := types.RebalanceReport{PreDeviation: 10, PostDeviation: 2}

		_, err = f.engine.ExecuteRebalance(ctx, cfg.ID, stranger, report)
		require.ErrorIs(t, err, types.ErrNotWhitelisted)

		_, err = f.engine.ExecuteRebalance(ctx, cfg.ID, allowed, report)
		require.NoError(t, err)
	})

	t.Run("underfunded fee vault aborts the whole instruction", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		bot := solana.NewWallet().PublicKey()

		cfg, err := f.engine.InitializeBasket(ctx, f.initParams())
		require.NoError(t, err)
		f.ledger.Fund(cfg.FeeVault, 5) // less than the 1000 lamport fee

		report := types.RebalanceReport{PreDeviation: 10, PostDeviation: 2}
		_, err = f.engine.ExecuteRebalance(ctx, cfg.ID, bot, report)
		require.ErrorIs(t, err, types.ErrFeeVaultUnderfunded)

		// Cooldown untouched, no receipt recorded, and crucially nothing
		// minted: the vault check runs before the irreversible mint.
		got, err := f.engine.Basket(ctx, cfg.ID)
		require.NoError(t, err)
		require.True(t, got.LastRebalanceAt.IsZero())
		receipts, err := f.engine.Receipts(ctx, cfg.ID, 10)
		require.NoError(t, err)
		require.Empty(t, receipts)
		require.Equal(t, uint64(0), f.ledger.TokenBalance(f.mint, bot))
		require.Equal(t, uint64(0), f.ledger.LamportBalance(bot))

		// Funding the vault and retrying pays exactly one reward.
		f.ledger.Fund(cfg.FeeVault, 1_000_000)
		receipt, err := f.engine.ExecuteRebalance(ctx, cfg.ID, bot, report)
		require.NoError(t, err)
		require.Equal(t, receipt.Payout, f.ledger.TokenBalance(f.mint, bot))
		require.Equal(t, uint64(1000), f.ledger.LamportBalance(bot))
	})

	t.Run("records receipts newest first", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		bot := solana.NewWallet().PublicKey()
		cfg := f.initBasket(t, nil)

		_, err := f.engine.ExecuteRebalance(ctx, cfg.ID, bot,
			types.RebalanceReport{PreDeviation: 10, PostDeviation: 4})
		require.NoError(t, err)
		f.clock.Advance(2 * time.Minute)
		_, err = f.engine.ExecuteRebalance(ctx, cfg.ID, bot,
			types.RebalanceReport{PreDeviation: 8, PostDeviation: 1})
		require.NoError(t, err)

		receipts, err := f.engine.Receipts(ctx, cfg.ID, 10)
		require.NoError(t, err)
		require.Len(t, receipts, 2)
		require.True(t, receipts[0].ExecutedAt.After(receipts[1].ExecutedAt))
	})
}
