package types

import "errors"

// Registry error taxonomy. Every instruction aborts with one of these (or a
// wrapped form of one); expected outcomes like an unmet quorum surface as a
// proposal status, not an error.
var (
	ErrUnauthorized          = errors.New("unauthorized signer")
	ErrDuplicateBasket       = errors.New("basket already exists for this authority and mint")
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrProposalAlreadyActive = errors.New("an active proposal already exists for this kind")
	ErrProposalNotActive     = errors.New("proposal is not active")
	ErrProposalExpired       = errors.New("proposal expired")
	ErrAlreadyVoted          = errors.New("voter already voted on this proposal")
	ErrInsufficientStake     = errors.New("insufficient unlocked stake")
	ErrCooldownNotElapsed    = errors.New("rebalance cooldown has not elapsed")
	ErrNotWhitelisted        = errors.New("bot is not whitelisted for this basket")
	ErrNoImprovement         = errors.New("rebalance did not reduce deviation")
	ErrFeeVaultUnderfunded   = errors.New("fee vault balance below reimbursement amount")
	ErrArithmeticOverflow    = errors.New("arithmetic overflow")
	ErrNotFound              = errors.New("record not found")
)
