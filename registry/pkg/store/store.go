// Package store persists the registry's records. Every instruction runs
// inside one Tx; the Postgres implementation maps the host ledger's
// account-locking discipline onto row-level locks, and the memory
// implementation serializes transactions under one mutex. Either way an
// instruction observes no partially-applied state from another.
package store

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/rebalnet/registry/registry/pkg/types"
)

// Store is the registry's persistence boundary.
type Store interface {
	// InTx runs fn in one atomic transaction: if fn returns an error,
	// nothing fn did through the Tx is visible afterwards.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Basket fetches a basket config, or types.ErrNotFound.
	Basket(ctx context.Context, id solana.PublicKey) (*types.BasketConfig, error)

	// Proposal fetches the most recent proposal for (basket, kind) in any
	// status, or types.ErrNotFound.
	Proposal(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind) (*types.Proposal, error)

	// StakeAccount fetches a voter's stake account; a voter with no
	// history gets a zero-valued account, not an error.
	StakeAccount(ctx context.Context, basket, voter solana.PublicKey) (*types.StakeAccount, error)

	// Receipts lists the most recent rebalance receipts for a basket,
	// newest first.
	Receipts(ctx context.Context, basket solana.PublicKey, limit int) ([]types.RebalanceReceipt, error)

	Close()
}

// Tx is the mutating surface available inside a transaction. Lookup misses
// return types.ErrNotFound; uniqueness conflicts return the matching
// taxonomy error (ErrDuplicateBasket, ErrProposalAlreadyActive,
// ErrAlreadyVoted).
type Tx interface {
	CreateBasket(ctx context.Context, cfg *types.BasketConfig) error
	// BasketForUpdate fetches a basket and takes the per-basket write lock
	// for the remainder of the transaction.
	BasketForUpdate(ctx context.Context, id solana.PublicKey) (*types.BasketConfig, error)
	SaveBasket(ctx context.Context, cfg *types.BasketConfig) error

	// ActiveProposal fetches the Active proposal for (basket, kind).
	ActiveProposal(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind) (*types.Proposal, error)
	// CreateProposal inserts p and fills in p.ID.
	CreateProposal(ctx context.Context, p *types.Proposal) error
	SaveProposal(ctx context.Context, p *types.Proposal) error

	VoteRecord(ctx context.Context, proposalID int64, voter solana.PublicKey) (*types.VoteRecord, error)
	CreateVoteRecord(ctx context.Context, rec *types.VoteRecord) error
	VoteRecords(ctx context.Context, proposalID int64) ([]types.VoteRecord, error)
	SaveVoteRecord(ctx context.Context, rec *types.VoteRecord) error

	// StakeAccountForUpdate fetches-or-creates the (basket, voter) stake
	// account under the transaction's lock.
	StakeAccountForUpdate(ctx context.Context, basket, voter solana.PublicKey) (*types.StakeAccount, error)
	SaveStakeAccount(ctx context.Context, acct *types.StakeAccount) error
	// TotalStaked sums all staked balances for a basket; proposals
	// snapshot this at creation.
	TotalStaked(ctx context.Context, basket solana.PublicKey) (uint64, error)

	InsertReceipt(ctx context.Context, rec *types.RebalanceReceipt) error
}
