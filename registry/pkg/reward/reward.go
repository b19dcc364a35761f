// Package reward computes bot compensation for executed rebalances. The
// reward curve is a pluggable deterministic function of the corrected
// deviation and the basket threshold; slashing applies when the basket is
// still outside the acceptable bound after execution.
package reward

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/rebalnet/registry/registry/pkg/types"
)

// Func maps (base reward, corrected deviation, threshold) to a token
// reward. Implementations must be deterministic, overflow-checked, and
// monotonically non-decreasing in the corrected deviation.
type Func func(base, corrected, threshold uint64) (uint64, error)

// Linear is the default curve: base * corrected / threshold. A correction
// exactly at threshold pays the base reward; larger corrections pay
// proportionally more.
func Linear(base, corrected, threshold uint64) (uint64, error) {
	if threshold == 0 {
		return 0, fmt.Errorf("%w: threshold must be greater than zero", types.ErrInvalidParameter)
	}
	hi, lo := bits.Mul64(base, corrected)
	if hi >= threshold {
		// Quotient would not fit in 64 bits.
		return 0, fmt.Errorf("%w: reward %d*%d/%d", types.ErrArithmeticOverflow, base, corrected, threshold)
	}
	q, _ := bits.Div64(hi, lo, threshold)
	return q, nil
}

// Outcome is the result of evaluating one execution report.
type Outcome struct {
	CorrectedDeviation uint64
	Reward             uint64
	Slash              uint64
	Payout             uint64
	Lamports           uint64
}

// Policy evaluates execution reports against a basket's parameters.
type Policy struct {
	// Reward is the reward curve; Linear when nil.
	Reward Func
}

// Evaluate computes the reward, slash, and payout for a report.
//
// The acceptable outer bound is the basket threshold itself: when the
// post-execution deviation still exceeds it, slash = reward * slash_factor
// and the payout floors at zero. Lamport reimbursement is the configured
// cap; the fee vault balance is checked at transfer time.
func (p Policy) Evaluate(cfg *types.BasketConfig, report types.RebalanceReport) (Outcome, error) {
	corrected, improved := report.CorrectedDeviation()
	if !improved {
		return Outcome{}, fmt.Errorf("%w: deviation %d -> %d",
			types.ErrNoImprovement, report.PreDeviation, report.PostDeviation)
	}

	fn := p.Reward
	if fn == nil {
		fn = Linear
	}
	rewardAmount, err := fn(cfg.BaseReward, corrected, cfg.Threshold)
	if err != nil {
		return Outcome{}, err
	}

	var slash uint64
	if report.PostDeviation > cfg.Threshold {
		slash = saturatingMul(rewardAmount, cfg.SlashFactor)
	}

	payout := rewardAmount
	if slash >= payout {
		payout = 0
	} else {
		payout -= slash
	}

	return Outcome{
		CorrectedDeviation: corrected,
		Reward:             rewardAmount,
		Slash:              slash,
		Payout:             payout,
		Lamports:           cfg.LamportsReward,
	}, nil
}

// saturatingMul caps at MaxUint64; an overflowing slash already wipes the
// whole payout, so saturation keeps the result deterministic without
// failing the instruction.
func saturatingMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}
