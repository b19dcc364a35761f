package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/rebalnet/registry/registry/pkg/authority"
	"github.com/rebalnet/registry/registry/pkg/events"
	"github.com/rebalnet/registry/registry/pkg/metrics"
	"github.com/rebalnet/registry/registry/pkg/store"
	"github.com/rebalnet/registry/registry/pkg/types"
)

// ExecuteRebalance settles a bot's rebalance report against a basket:
// cooldown and whitelist gates, then reward minus slash minted to the bot
// and the flat lamport fee paid from the fee vault. The ledger calls run
// after every store check so a rejected report never touches balances.
func (e *Engine) ExecuteRebalance(ctx context.Context, basket, bot solana.PublicKey, report types.RebalanceReport) (receipt *types.RebalanceReceipt, err error) {
	defer e.observe("execute_rebalance", e.clock.Now())(&err)

	if bot.IsZero() {
		return nil, fmt.Errorf("%w: bot is required", types.ErrInvalidParameter)
	}

	now := e.clock.Now().UTC()
	err = e.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		cfg, err := tx.BasketForUpdate(ctx, basket)
		if err != nil {
			return err
		}
		if !cfg.LastRebalanceAt.IsZero() {
			if elapsed := now.Sub(cfg.LastRebalanceAt); elapsed < cfg.Cooldown {
				return fmt.Errorf("%w: %s of %s elapsed",
					types.ErrCooldownNotElapsed, elapsed.Truncate(time.Second), cfg.Cooldown)
			}
		}
		if !cfg.BotAllowed(bot) {
			return fmt.Errorf("%w: %s", types.ErrNotWhitelisted, bot)
		}

		outcome, err := e.cfg.Reward.Evaluate(cfg, report)
		if err != nil {
			return err
		}

		cfg.LastRebalanceAt = now
		if err := tx.SaveBasket(ctx, cfg); err != nil {
			return err
		}
		receipt = &types.RebalanceReceipt{
			Basket:             basket,
			Bot:                bot,
			CorrectedDeviation: outcome.CorrectedDeviation,
			Reward:             outcome.Reward,
			Slash:              outcome.Slash,
			Payout:             outcome.Payout,
			Lamports:           outcome.Lamports,
			ExecutedAt:         now,
		}
		if err := tx.InsertReceipt(ctx, receipt); err != nil {
			return err
		}

		// Ledger side effects go last: any store failure above aborts the
		// transaction before a token moves. The vault balance is checked
		// before the mint so an underfunded fee vault fails the instruction
		// with nothing minted; the mint cannot be rolled back.
		if outcome.Lamports > 0 {
			balance, err := e.cfg.Ledger.VaultBalance(ctx, cfg.FeeVault)
			if err != nil {
				return fmt.Errorf("check fee vault: %w", err)
			}
			if balance < outcome.Lamports {
				return fmt.Errorf("%w: vault %s holds %d, needs %d",
					types.ErrFeeVaultUnderfunded, cfg.FeeVault, balance, outcome.Lamports)
			}
		}
		if outcome.Payout > 0 {
			mintAuth := authority.Credential{Address: cfg.MintAuthority, Bump: cfg.MintAuthBump}
			if err := e.cfg.Ledger.MintTo(ctx, cfg.Mint, mintAuth, bot, outcome.Payout); err != nil {
				return fmt.Errorf("mint reward: %w", err)
			}
		}
		if outcome.Lamports > 0 {
			vault := authority.Credential{Address: cfg.FeeVault, Bump: cfg.FeeVaultBump}
			if err := e.cfg.Ledger.TransferLamports(ctx, vault, bot, outcome.Lamports); err != nil {
				return fmt.Errorf("pay lamport fee: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RewardPayoutTotal.Add(float64(receipt.Payout))
	metrics.SlashTotal.Add(float64(receipt.Slash))
	e.log.Info("engine: rebalance executed",
		"basket", basket.String(), "bot", bot.String(),
		"pre", report.PreDeviation, "post", report.PostDeviation,
		"reward", receipt.Reward, "slash", receipt.Slash, "payout", receipt.Payout)
	e.publish(events.Event{
		Type:   events.TypeRebalanceExecuted,
		Basket: basket,
		At:     now,
		Data: map[string]any{
			"bot": bot.String(), "pre": report.PreDeviation, "post": report.PostDeviation,
			"reward": receipt.Reward, "slash": receipt.Slash, "payout": receipt.Payout,
			"lamports": receipt.Lamports,
		},
	})
	return receipt, nil
}
