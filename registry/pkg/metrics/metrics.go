package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InstructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalreg_instructions_total",
			Help: "Total registry instructions processed, by instruction and result",
		},
		[]string{"instruction", "status"},
	)

	InstructionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebalreg_instruction_duration_seconds",
			Help:    "Duration of registry instructions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"instruction"},
	)

	ProposalsFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalreg_proposals_finalized_total",
			Help: "Finalized proposals, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalreg_votes_total",
			Help: "Votes cast, by proposal kind",
		},
		[]string{"kind"},
	)

	StakeLocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalreg_stake_locked",
			Help: "Stake currently locked in vote escrow",
		},
	)

	RewardPayoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalreg_reward_payout_total",
			Help: "Cumulative reward tokens minted to bots",
		},
	)

	SlashTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalreg_slash_total",
			Help: "Cumulative reward tokens withheld by slashing",
		},
	)
)
