package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/rebalnet/registry/registry/pkg/events"
	"github.com/rebalnet/registry/registry/pkg/metrics"
	"github.com/rebalnet/registry/registry/pkg/store"
	"github.com/rebalnet/registry/registry/pkg/types"
)

// kindSpec is one proposal kind's payload validation and, on passage, its
// application to the basket config. All kinds share the identical
// propose/vote/finalize machinery.
type kindSpec struct {
	validate func(cfg *types.BasketConfig, v types.ProposalValue) error
	apply    func(cfg *types.BasketConfig, v types.ProposalValue)
}

var kindSpecs = map[types.ProposalKind]kindSpec{
	types.KindThreshold: {
		validate: func(_ *types.BasketConfig, v types.ProposalValue) error {
			if v.Threshold == 0 {
				return fmt.Errorf("%w: threshold must be positive", types.ErrInvalidParameter)
			}
			return nil
		},
		apply: func(cfg *types.BasketConfig, v types.ProposalValue) {
			cfg.Threshold = v.Threshold
		},
	},
	types.KindStrategy: {
		validate: func(_ *types.BasketConfig, v types.ProposalValue) error {
			if !v.Strategy.Valid() {
				return fmt.Errorf("%w: unknown strategy %d", types.ErrInvalidParameter, v.Strategy)
			}
			return nil
		},
		apply: func(cfg *types.BasketConfig, v types.ProposalValue) {
			cfg.Strategy = v.Strategy
		},
	},
	types.KindAssets: {
		validate: func(_ *types.BasketConfig, v types.ProposalValue) error {
			return types.ValidateAssets(v.Assets)
		},
		apply: func(cfg *types.BasketConfig, v types.ProposalValue) {
			cfg.EligibleAssets = v.Assets
		},
	},
}

// Propose opens a proposal of the given kind. The basket's total staked
// balance is snapshotted now and fixed for the proposal's lifetime; quorum
// is judged against the snapshot, not the live balance.
func (e *Engine) Propose(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind, proposer solana.PublicKey, value types.ProposalValue, expiresAt time.Time) (p *types.Proposal, err error) {
	defer e.observe("propose_"+string(kind), e.clock.Now())(&err)

	ks, ok := kindSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown proposal kind %q", types.ErrInvalidParameter, kind)
	}
	if proposer.IsZero() {
		return nil, fmt.Errorf("%w: proposer is required", types.ErrInvalidParameter)
	}
	now := e.clock.Now().UTC()
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", types.ErrInvalidParameter)
	}

	err = e.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		cfg, err := tx.BasketForUpdate(ctx, basket)
		if err != nil {
			return err
		}
		if err := ks.validate(cfg, value); err != nil {
			return err
		}
		if _, err := tx.ActiveProposal(ctx, basket, kind); err == nil {
			return fmt.Errorf("%w: %s", types.ErrProposalAlreadyActive, kind)
		} else if !isNotFound(err) {
			return err
		}
		snapshot, err := tx.TotalStaked(ctx, basket)
		if err != nil {
			return err
		}
		p = &types.Proposal{
			Basket:        basket,
			Kind:          kind,
			Proposer:      proposer,
			Value:         value,
			SnapshotStake: snapshot,
			QuorumPct:     cfg.QuorumPct,
			Status:        types.StatusActive,
			CreatedAt:     now,
			ExpiresAt:     expiresAt.UTC(),
		}
		return tx.CreateProposal(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("engine: proposal opened",
		"basket", basket.String(), "kind", kind, "id", p.ID, "snapshot", p.SnapshotStake)
	e.publish(events.Event{
		Type:   events.TypeProposalOpened,
		Basket: basket,
		At:     now,
		Data: map[string]any{
			"id": p.ID, "kind": kind, "proposer": proposer.String(), "expires_at": p.ExpiresAt,
		},
	})
	return p, nil
}

// Vote casts a weighted vote on the active proposal of a kind, locking
// amount of the voter's stake until the proposal reaches a terminal state.
// A vote on an expired proposal flips it to Expired, releases all escrow,
// and fails with ProposalExpired.
func (e *Engine) Vote(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind, voter solana.PublicKey, approve bool, amount uint64) (err error) {
	defer e.observe("vote_"+string(kind), e.clock.Now())(&err)

	if _, ok := kindSpecs[kind]; !ok {
		return fmt.Errorf("%w: unknown proposal kind %q", types.ErrInvalidParameter, kind)
	}
	if voter.IsZero() {
		return fmt.Errorf("%w: voter is required", types.ErrInvalidParameter)
	}
	if amount == 0 {
		return fmt.Errorf("%w: vote weight must be positive", types.ErrInvalidParameter)
	}

	now := e.clock.Now().UTC()
	var (
		lapsed   *types.Proposal
		released uint64
	)
	err = e.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.BasketForUpdate(ctx, basket); err != nil {
			return err
		}
		p, err := tx.ActiveProposal(ctx, basket, kind)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", types.ErrProposalNotActive, kind)
			}
			return err
		}
		if now.After(p.ExpiresAt) {
			// The expiry flip has to survive the commit, so it cannot ride
			// on an error return from this closure.
			p.Status = types.StatusExpired
			if released, err = releaseEscrow(ctx, tx, p); err != nil {
				return err
			}
			if err := tx.SaveProposal(ctx, p); err != nil {
				return err
			}
			lapsed = p
			return nil
		}
		if _, err := tx.VoteRecord(ctx, p.ID, voter); err == nil {
			return fmt.Errorf("%w: %s", types.ErrAlreadyVoted, voter)
		} else if !isNotFound(err) {
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
		acct.Locked += amount
		if err := tx.SaveStakeAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.CreateVoteRecord(ctx, &types.VoteRecord{
			ProposalID: p.ID,
			Voter:      voter,
			Approve:    approve,
			Locked:     amount,
			CastAt:     now,
		}); err != nil {
			return err
		}
		tally := &p.NoVotes
		if approve {
			tally = &p.YesVotes
		}
		sum, ok := addU64(*tally, amount)
		if !ok {
			return fmt.Errorf("%w: vote tally", types.ErrArithmeticOverflow)
		}
		*tally = sum
		return tx.SaveProposal(ctx, p)
	})
	if err != nil {
		return err
	}
	if lapsed != nil {
		metrics.StakeLocked.Sub(float64(released))
		e.finalized(lapsed, now)
		return fmt.Errorf("%w: expired at %s", types.ErrProposalExpired, lapsed.ExpiresAt.Format(time.RFC3339))
	}

	metrics.VotesTotal.WithLabelValues(string(kind)).Inc()
	metrics.StakeLocked.Add(float64(amount))
	e.publish(events.Event{
		Type:   events.TypeVoteCast,
		Basket: basket,
		At:     now,
		Data: map[string]any{
			"kind": kind, "voter": voter.String(), "approve": approve, "weight": amount,
		},
	})
	return nil
}

// Finalize settles the active proposal of a kind and returns its terminal
// status. Anyone may call it: passage needs quorum against the stake
// snapshot and strictly more yes than no weight; a tie rejects. Escrowed
// stake is released whichever way it goes.
func (e *Engine) Finalize(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind) (status types.ProposalStatus, err error) {
	defer e.observe("finalize_"+string(kind), e.clock.Now())(&err)

	ks, ok := kindSpecs[kind]
	if !ok {
		return 0, fmt.Errorf("%w: unknown proposal kind %q", types.ErrInvalidParameter, kind)
	}

	now := e.clock.Now().UTC()
	var (
		p        *types.Proposal
		released uint64
	)
	err = e.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		cfg, err := tx.BasketForUpdate(ctx, basket)
		if err != nil {
			return err
		}
		p, err = tx.ActiveProposal(ctx, basket, kind)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", types.ErrProposalNotActive, kind)
			}
			return err
		}
		total, ok := addU64(p.YesVotes, p.NoVotes)
		if !ok {
			return fmt.Errorf("%w: vote total", types.ErrArithmeticOverflow)
		}
		quorumMet := mulGE(total, 100, p.SnapshotStake, uint64(p.QuorumPct))
		switch {
		case now.After(p.ExpiresAt) && !quorumMet:
			p.Status = types.StatusExpired
		case quorumMet && p.YesVotes > p.NoVotes:
			p.Status = types.StatusPassed
			ks.apply(cfg, p.Value)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := tx.SaveBasket(ctx, cfg); err != nil {
				return err
			}
		default:
			p.Status = types.StatusRejected
		}
		if released, err = releaseEscrow(ctx, tx, p); err != nil {
			return err
		}
		return tx.SaveProposal(ctx, p)
	})
	if err != nil {
		return 0, err
	}

	metrics.StakeLocked.Sub(float64(released))
	e.log.Info("engine: proposal finalized",
		"basket", basket.String(), "kind", kind, "id", p.ID,
		"status", p.Status.String(), "yes", p.YesVotes, "no", p.NoVotes)
	e.finalized(p, now)
	return p.Status, nil
}

func (e *Engine) finalized(p *types.Proposal, at time.Time) {
	metrics.ProposalsFinalizedTotal.WithLabelValues(string(p.Kind), p.Status.String()).Inc()
	e.publish(events.Event{
		Type:   events.TypeProposalFinalized,
		Basket: p.Basket,
		At:     at,
		Data: map[string]any{
			"id": p.ID, "kind": p.Kind, "status": p.Status.String(),
			"yes": p.YesVotes, "no": p.NoVotes, "snapshot": p.SnapshotStake,
		},
	})
}

// releaseEscrow unlocks every unreleased vote's stake for a proposal and
// returns the total released. The caller adjusts the escrow gauge after
// the transaction commits.
func releaseEscrow(ctx context.Context, tx store.Tx, p *types.Proposal) (uint64, error) {
	recs, err := tx.VoteRecords(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	var released uint64
	for i := range recs {
		rec := &recs[i]
		if rec.Released {
			continue
		}
		acct, err := tx.StakeAccountForUpdate(ctx, p.Basket, rec.Voter)
		if err != nil {
			return 0, err
		}
		if rec.Locked > acct.Locked {
			return 0, fmt.Errorf("escrow release: voter %s has %d locked, record holds %d",
				rec.Voter, acct.Locked, rec.Locked)
		}
		acct.Locked -= rec.Locked
		if err := tx.SaveStakeAccount(ctx, acct); err != nil {
			return 0, err
		}
		rec.Released = true
		if err := tx.SaveVoteRecord(ctx, rec); err != nil {
			return 0, err
		}
		released += rec.Locked
	}
	return released, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
