// Package types defines the persisted records of the basket registry: the
// basket configuration, governance proposals and vote records, stake
// accounts, and rebalance receipts.
package types

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	MaxNameLen        = 64
	MaxDescriptionLen = 256
	MaxEligibleAssets = 32
	MaxWhitelistLen   = 32
)

// Strategy enumerates the rebalancing strategies a basket can be governed
// into.
type Strategy uint8

const (
	StrategyPeriodic Strategy = iota
	StrategyThresholdBased
	StrategyHybrid
)

func (s Strategy) Valid() bool {
	return s <= StrategyHybrid
}

func (s Strategy) String() string {
	switch s {
	case StrategyPeriodic:
		return "periodic"
	case StrategyThresholdBased:
		return "threshold"
	case StrategyHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ProposalKind tags which governed parameter a proposal changes.
type ProposalKind string

const (
	KindThreshold ProposalKind = "threshold"
	KindStrategy  ProposalKind = "strategy"
	KindAssets    ProposalKind = "assets"
)

func (k ProposalKind) Valid() bool {
	switch k {
	case KindThreshold, KindStrategy, KindAssets:
		return true
	default:
		return false
	}
}

// ParseKind parses the wire form of a proposal kind.
func ParseKind(s string) (ProposalKind, error) {
	k := ProposalKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown proposal kind %q", ErrInvalidParameter, s)
	}
	return k, nil
}

// ProposalStatus is the one-directional lifecycle state of a proposal.
type ProposalStatus uint8

const (
	StatusDraft ProposalStatus = iota
	StatusActive
	StatusPassed
	StatusRejected
	StatusExpired
)

// Terminal reports whether the status admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

func (s ProposalStatus) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusActive:
		return "active"
	case StatusPassed:
		return "passed"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// BasketConfig is the canonical configuration of one basket. It is created
// by initialize and mutated only by a passed proposal's apply step or by
// the rebalance engine updating LastRebalanceAt.
type BasketConfig struct {
	ID          solana.PublicKey
	Authority   solana.PublicKey
	Name        string
	Description string

	// Mint is the rebalancing token: governance stake and bot rewards are
	// denominated in it.
	Mint          solana.PublicKey
	MintAuthority solana.PublicKey
	MintAuthBump  uint8
	FeeVault      solana.PublicKey
	FeeVaultBump  uint8

	Threshold      uint64
	Strategy       Strategy
	EligibleAssets []solana.PublicKey
	QuorumPct      uint8
	Cooldown       time.Duration
	BaseReward     uint64
	LamportsReward uint64
	SlashFactor    uint64

	WhitelistEnabled bool
	Whitelist        []solana.PublicKey

	LastRebalanceAt time.Time
	CreatedAt       time.Time
}

// Validate checks the governed-parameter invariants. It covers both the
// initialize path and re-validation after a proposal apply.
func (c *BasketConfig) Validate() error {
	if c.Authority.IsZero() {
		return fmt.Errorf("%w: authority is required", ErrInvalidParameter)
	}
	if c.Mint.IsZero() {
		return fmt.Errorf("%w: rebalancing mint is required", ErrInvalidParameter)
	}
	if c.Name == "" || len(c.Name) > MaxNameLen {
		return fmt.Errorf("%w: name must be 1-%d bytes", ErrInvalidParameter, MaxNameLen)
	}
	if len(c.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description must be at most %d bytes", ErrInvalidParameter, MaxDescriptionLen)
	}
	if c.Threshold == 0 {
		return fmt.Errorf("%w: threshold must be greater than zero", ErrInvalidParameter)
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %d", ErrInvalidParameter, c.Strategy)
	}
	if err := ValidateAssets(c.EligibleAssets); err != nil {
		return err
	}
	if c.QuorumPct < 1 || c.QuorumPct > 100 {
		return fmt.Errorf("%w: quorum must be in [1,100], got %d", ErrInvalidParameter, c.QuorumPct)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidParameter)
	}
	if c.SlashFactor == 0 {
		return fmt.Errorf("%w: slash factor must be greater than zero", ErrInvalidParameter)
	}
	if c.WhitelistEnabled && len(c.Whitelist) == 0 {
		return fmt.Errorf("%w: enabled whitelist must not be empty", ErrInvalidParameter)
	}
	if len(c.Whitelist) > MaxWhitelistLen {
		return fmt.Errorf("%w: whitelist must have at most %d entries", ErrInvalidParameter, MaxWhitelistLen)
	}
	return nil
}

// BotAllowed reports whether bot may execute a rebalance on this basket.
func (c *BasketConfig) BotAllowed(bot solana.PublicKey) bool {
	if !c.WhitelistEnabled {
		return true
	}
	for _, w := range c.Whitelist {
		if w.Equals(bot) {
			return true
		}
	}
	return false
}

// ValidateAssets checks an eligible-asset list: non-empty, bounded, no
// duplicates, no zero keys.
func ValidateAssets(assets []solana.PublicKey) error {
	if len(assets) == 0 {
		return fmt.Errorf("%w: eligible assets must not be empty", ErrInvalidParameter)
	}
	if len(assets) > MaxEligibleAssets {
		return fmt.Errorf("%w: eligible assets must have at most %d entries", ErrInvalidParameter, MaxEligibleAssets)
	}
	seen := make(map[solana.PublicKey]struct{}, len(assets))
	for _, a := range assets {
		if a.IsZero() {
			return fmt.Errorf("%w: eligible asset must not be the zero key", ErrInvalidParameter)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: duplicate eligible asset %s", ErrInvalidParameter, a)
		}
		seen[a] = struct{}{}
	}
	return nil
}

// ProposalValue carries the proposed value for a proposal; only the field
// matching the proposal's kind is meaningful.
type ProposalValue struct {
	Threshold uint64             `json:"threshold,omitempty"`
	Strategy  Strategy           `json:"strategy,omitempty"`
	Assets    []solana.PublicKey `json:"assets,omitempty"`
}

// Proposal is one pending governed-parameter change. At most one Active
// proposal exists per (basket, kind); SnapshotStake is fixed at creation.
type Proposal struct {
	ID       int64
	Basket   solana.PublicKey
	Kind     ProposalKind
	Proposer solana.PublicKey
	Value    ProposalValue

	YesVotes      uint64
	NoVotes       uint64
	SnapshotStake uint64
	QuorumPct     uint8

	Status    ProposalStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// VoteRecord is one voter's escrowed vote on one proposal. Released flips
// exactly once, when the proposal reaches a terminal state.
type VoteRecord struct {
	ProposalID int64
	Voter      solana.PublicKey
	Approve    bool
	Locked     uint64
	Released   bool
	CastAt     time.Time
}

// StakeAccount tracks one voter's stake in one basket. Locked never
// exceeds Staked.
type StakeAccount struct {
	Basket solana.PublicKey
	Voter  solana.PublicKey
	Staked uint64
	Locked uint64
}

// Available returns the stake not currently escrowed by votes.
func (a *StakeAccount) Available() uint64 {
	return a.Staked - a.Locked
}

// RebalanceReport is the bot's execution report: basket deviation from
// target before and after its action, in the same integer units as the
// basket threshold.
type RebalanceReport struct {
	PreDeviation  uint64 `json:"pre_deviation"`
	PostDeviation uint64 `json:"post_deviation"`
}

// CorrectedDeviation is how much closer to target the action moved the
// basket. Zero or negative correction is not rewardable.
func (r RebalanceReport) CorrectedDeviation() (uint64, bool) {
	if r.PostDeviation >= r.PreDeviation {
		return 0, false
	}
	return r.PreDeviation - r.PostDeviation, true
}

// RebalanceReceipt is the audit record of one executed rebalance.
type RebalanceReceipt struct {
	ID                 int64
	Basket             solana.PublicKey
	Bot                solana.PublicKey
	CorrectedDeviation uint64
	Reward             uint64
	Slash              uint64
	Payout             uint64
	Lamports           uint64
	ExecutedAt         time.Time
}
