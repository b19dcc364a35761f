// Package engine implements the registry's instruction surface: basket
// initialization, stake deposits, the generic proposal lifecycle, and
// rebalance execution with reward and slashing. Every instruction runs as
// one atomic store transaction; there is no partial state on failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/rebalnet/registry/registry/pkg/authority"
	"github.com/rebalnet/registry/registry/pkg/events"
	"github.com/rebalnet/registry/registry/pkg/metrics"
	"github.com/rebalnet/registry/registry/pkg/reward"
	"github.com/rebalnet/registry/registry/pkg/store"
	"github.com/rebalnet/registry/registry/pkg/types"
)

// Config configures the engine.
type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     store.Store
	Ledger    authority.TokenLedger
	Bus       *events.Bus // optional
	ProgramID solana.PublicKey
	Reward    reward.Policy
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("token ledger is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// InitializeParams are the initialize_basket arguments. The two bumps are
// optional: nil means derive, a supplied bump must match the canonical
// derivation.
type InitializeParams struct {
	Authority        solana.PublicKey
	Mint             solana.PublicKey
	Name             string
	Description      string
	Threshold        uint64
	Strategy         types.Strategy
	EligibleAssets   []solana.PublicKey
	QuorumPct        uint8
	Cooldown         time.Duration
	BaseReward       uint64
	LamportsReward   uint64
	SlashFactor      uint64
	WhitelistEnabled bool
	Whitelist        []solana.PublicKey
	MintAuthBump     *uint8
	FeeVaultBump     *uint8
}

// InitializeBasket creates a basket config and its two derived
// authorities. The basket identity itself derives from (authority, mint),
// so a duplicate pair fails with DuplicateBasket.
func (e *Engine) InitializeBasket(ctx context.Context, p InitializeParams) (cfg *types.BasketConfig, err error) {
	defer e.observe("initialize_basket", e.clock.Now())(&err)

	basketID, _, err := authority.DeriveBasketID(e.cfg.ProgramID, p.Authority, p.Mint)
	if err != nil {
		return nil, err
	}
	mintAuth, mintAuthBump, err := authority.DeriveMintAuthority(e.cfg.ProgramID, basketID)
	if err != nil {
		return nil, err
	}
	feeVault, feeVaultBump, err := authority.DeriveFeeVault(e.cfg.ProgramID, basketID)
	if err != nil {
		return nil, err
	}
	if p.MintAuthBump != nil && *p.MintAuthBump != mintAuthBump {
		if err := authority.VerifyBump(e.cfg.ProgramID, basketID, authority.SeedMintAuth, *p.MintAuthBump, mintAuth); err != nil {
			return nil, err
		}
	}
	if p.FeeVaultBump != nil && *p.FeeVaultBump != feeVaultBump {
		if err := authority.VerifyBump(e.cfg.ProgramID, basketID, authority.SeedFeeVault, *p.FeeVaultBump, feeVault); err != nil {
			return nil, err
		}
	}

	now := e.clock.Now().UTC()
	cfg = &types.BasketConfig{
		ID:               basketID,
		Authority:        p.Authority,
		Name:             p.Name,
		Description:      p.Description,
		Mint:             p.Mint,
		MintAuthority:    mintAuth,
		MintAuthBump:     mintAuthBump,
		FeeVault:         feeVault,
		FeeVaultBump:     feeVaultBump,
		Threshold:        p.Threshold,
		Strategy:         p.Strategy,
		EligibleAssets:   p.EligibleAssets,
		QuorumPct:        p.QuorumPct,
		Cooldown:         p.Cooldown,
		BaseReward:       p.BaseReward,
		LamportsReward:   p.LamportsReward,
		SlashFactor:      p.SlashFactor,
		WhitelistEnabled: p.WhitelistEnabled,
		Whitelist:        p.Whitelist,
		CreatedAt:        now,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	err = e.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateBasket(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("engine: basket initialized",
		"basket", basketID.String(), "authority", p.Authority.String(), "mint", p.Mint.String())
	e.publish(events.Event{
		Type:   events.TypeBasketInitialized,
		Basket: basketID,
		At:     now,
		Data:   map[string]string{"name": cfg.Name, "authority": cfg.Authority.String()},
	})
	return cfg, nil
}

// DepositStake credits a voter's stake in a basket. The corresponding
// token transfer into the registry's escrow account is the token ledger's
// concern; this is the registry's view of it.
func (e *Engine) DepositStake(ctx context.Context, basket, voter solana.PublicKey, amount uint64) (err error) {
	defer e.observe("deposit_stake", e.clock.Now())(&err)

	if voter.IsZero() || amount == 0 {
		return fmt.Errorf("%w: voter and amount are required", types.ErrInvalidParameter)
	}

	err = e.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.BasketForUpdate(ctx, basket); err != nil {
			return err
		}
		acct, err := tx.StakeAccountForUpdate(ctx, basket, voter)
		if err != nil {
			return err
		}
		staked, ok := addU64(acct.Staked, amount)
		if !ok {
			return fmt.Errorf("%w: stake balance", types.ErrArithmeticOverflow)
		}
		acct.Staked = staked
		return tx.SaveStakeAccount(ctx, acct)
	})
	if err != nil {
		return err
	}

	e.publish(events.Event{
		Type:   events.TypeStakeDeposited,
		Basket: basket,
		At:     e.clock.Now().UTC(),
		Data:   map[string]any{"voter": voter.String(), "amount": amount},
	})
	return nil
}

// WithdrawStake debits unlocked stake. Escrowed stake stays until the
// proposals holding it reach a terminal state.
func (e *Engine) WithdrawStake(ctx context.Context, basket, voter solana.PublicKey, amount uint64) (err error) {
	defer e.observe("withdraw_stake", e.clock.Now())(&err)

	if voter.IsZero() || amount == 0 {
		return fmt.Errorf("%w: voter and amount are required", types.ErrInvalidParameter)
	}

	err = e.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.BasketForUpdate(ctx, basket); err != nil {
			return err
		}
		acct, err := tx.StakeAccountForUpdate(ctx, basket, voter)
		if err != nil {
			return err
		}
		if amount > acct.Available() {
			return fmt.Errorf("%w: %d available, %d requested",
				types.ErrInsufficientStake, acct.Available(), amount)
		}
		acct.Staked -= amount
		return tx.SaveStakeAccount(ctx, acct)
	})
	if err != nil {
		return err
	}

	e.publish(events.Event{
		Type:   events.TypeStakeWithdrawn,
		Basket: basket,
		At:     e.clock.Now().UTC(),
		Data:   map[string]any{"voter": voter.String(), "amount": amount},
	})
	return nil
}

// Basket fetches a basket config.
func (e *Engine) Basket(ctx context.Context, id solana.PublicKey) (*types.BasketConfig, error) {
	return e.cfg.Store.Basket(ctx, id)
}

// Proposal fetches the most recent proposal for (basket, kind).
func (e *Engine) Proposal(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind) (*types.Proposal, error) {
	return e.cfg.Store.Proposal(ctx, basket, kind)
}

// StakeAccount fetches a voter's stake account.
func (e *Engine) StakeAccount(ctx context.Context, basket, voter solana.PublicKey) (*types.StakeAccount, error) {
	return e.cfg.Store.StakeAccount(ctx, basket, voter)
}

// Receipts lists recent rebalance receipts for a basket.
func (e *Engine) Receipts(ctx context.Context, basket solana.PublicKey, limit int) ([]types.RebalanceReceipt, error) {
	return e.cfg.Store.Receipts(ctx, basket, limit)
}

func (e *Engine) publish(evt events.Event) {
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(evt)
	}
}

// observe records instruction metrics; call as
// defer e.observe(name, start)(&err).
func (e *Engine) observe(instruction string, start time.Time) func(*error) {
	return func(errp *error) {
		status := "ok"
		if errp != nil && *errp != nil {
			status = "error"
		}
		metrics.InstructionsTotal.WithLabelValues(instruction, status).Inc()
		metrics.InstructionDuration.WithLabelValues(instruction).Observe(e.clock.Since(start).Seconds())
	}
}

func addU64(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// mulGE reports whether a*b >= c*d without overflowing, comparing the full
// 128-bit products. The quorum check is total*100 >= snapshot*quorum.
func mulGE(a, b, c, d uint64) bool {
	hi1, lo1 := bits.Mul64(a, b)
	hi2, lo2 := bits.Mul64(c, d)
	if hi1 != hi2 {
		return hi1 > hi2
	}
	return lo1 >= lo2
}
