package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/rebalnet/registry/registry/pkg/types"
)

// Memory is an in-process Store for dev mode and tests. One mutex
// serializes transactions, which is the sequential-ledger execution model
// in its most literal form; atomicity comes from mutating a deep copy and
// swapping it in only on success.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

type proposalKey struct {
	basket solana.PublicKey
	kind   types.ProposalKind
}

type voteKey struct {
	proposalID int64
	voter      solana.PublicKey
}

type stakeKey struct {
	basket solana.PublicKey
	voter  solana.PublicKey
}

type memState struct {
	baskets        map[solana.PublicKey]*types.BasketConfig
	basketsByOwner map[stakeKey]solana.PublicKey // (authority, mint) -> basket id
	proposals      map[int64]*types.Proposal
	latest         map[proposalKey]int64
	votes          map[voteKey]*types.VoteRecord
	stakes         map[stakeKey]*types.StakeAccount
	receipts       []types.RebalanceReceipt
	nextProposalID int64
	nextReceiptID  int64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		baskets:        make(map[solana.PublicKey]*types.BasketConfig),
		basketsByOwner: make(map[stakeKey]solana.PublicKey),
		proposals:      make(map[int64]*types.Proposal),
		latest:         make(map[proposalKey]int64),
		votes:          make(map[voteKey]*types.VoteRecord),
		stakes:         make(map[stakeKey]*types.StakeAccount),
		nextProposalID: 1,
		nextReceiptID:  1,
	}}
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	if err := fn(&memTx{state: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *Memory) Basket(ctx context.Context, id solana.PublicKey) (*types.BasketConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.state.baskets[id]
	if !ok {
		return nil, fmt.Errorf("%w: basket %s", types.ErrNotFound, id)
	}
	return cloneBasket(cfg), nil
}

func (m *Memory) Proposal(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind) (*types.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.state.latest[proposalKey{basket, kind}]
	if !ok {
		return nil, fmt.Errorf("%w: no %s proposal for basket %s", types.ErrNotFound, kind, basket)
	}
	return cloneProposal(m.state.proposals[id]), nil
}

func (m *Memory) StakeAccount(ctx context.Context, basket, voter solana.PublicKey) (*types.StakeAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acct, ok := m.state.stakes[stakeKey{basket, voter}]; ok {
		cp := *acct
		return &cp, nil
	}
	return &types.StakeAccount{Basket: basket, Voter: voter}, nil
}

func (m *Memory) Receipts(ctx context.Context, basket solana.PublicKey, limit int) ([]types.RebalanceReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.RebalanceReceipt
	for i := len(m.state.receipts) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.state.receipts[i].Basket.Equals(basket) {
			out = append(out, m.state.receipts[i])
		}
	}
	return out, nil
}

func (m *Memory) Close() {}

// memTx mutates the cloned state; Memory.InTx publishes it on success.
type memTx struct {
	state *memState
}

func (t *memTx) CreateBasket(ctx context.Context, cfg *types.BasketConfig) error {
	owner := stakeKey{cfg.Authority, cfg.Mint}
	if _, exists := t.state.baskets[cfg.ID]; exists {
		return fmt.Errorf("%w: basket %s", types.ErrDuplicateBasket, cfg.ID)
	}
	if _, exists := t.state.basketsByOwner[owner]; exists {
		return fmt.Errorf("%w: authority %s, mint %s", types.ErrDuplicateBasket, cfg.Authority, cfg.Mint)
	}
	t.state.baskets[cfg.ID] = cloneBasket(cfg)
	t.state.basketsByOwner[owner] = cfg.ID
	return nil
}

func (t *memTx) BasketForUpdate(ctx context.Context, id solana.PublicKey) (*types.BasketConfig, error) {
	cfg, ok := t.state.baskets[id]
	if !ok {
		return nil, fmt.Errorf("%w: basket %s", types.ErrNotFound, id)
	}
	return cloneBasket(cfg), nil
}

func (t *memTx) SaveBasket(ctx context.Context, cfg *types.BasketConfig) error {
	if _, ok := t.state.baskets[cfg.ID]; !ok {
		return fmt.Errorf("%w: basket %s", types.ErrNotFound, cfg.ID)
	}
	t.state.baskets[cfg.ID] = cloneBasket(cfg)
	return nil
}

func (t *memTx) ActiveProposal(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind) (*types.Proposal, error) {
	id, ok := t.state.latest[proposalKey{basket, kind}]
	if !ok {
		return nil, fmt.Errorf("%w: no %s proposal for basket %s", types.ErrNotFound, kind, basket)
	}
	p := t.state.proposals[id]
	if p.Status != types.StatusActive {
		return nil, fmt.Errorf("%w: no active %s proposal for basket %s", types.ErrNotFound, kind, basket)
	}
	return cloneProposal(p), nil
}

func (t *memTx) CreateProposal(ctx context.Context, p *types.Proposal) error {
	key := proposalKey{p.Basket, p.Kind}
	if id, ok := t.state.latest[key]; ok && t.state.proposals[id].Status == types.StatusActive {
		return fmt.Errorf("%w: %s proposal %d", types.ErrProposalAlreadyActive, p.Kind, id)
	}
	p.ID = t.state.nextProposalID
	t.state.nextProposalID++
	t.state.proposals[p.ID] = cloneProposal(p)
	t.state.latest[key] = p.ID
	return nil
}

func (t *memTx) SaveProposal(ctx context.Context, p *types.Proposal) error {
	if _, ok := t.state.proposals[p.ID]; !ok {
		return fmt.Errorf("%w: proposal %d", types.ErrNotFound, p.ID)
	}
	t.state.proposals[p.ID] = cloneProposal(p)
	return nil
}

func (t *memTx) VoteRecord(ctx context.Context, proposalID int64, voter solana.PublicKey) (*types.VoteRecord, error) {
	rec, ok := t.state.votes[voteKey{proposalID, voter}]
	if !ok {
		return nil, fmt.Errorf("%w: no vote by %s on proposal %d", types.ErrNotFound, voter, proposalID)
	}
	cp := *rec
	return &cp, nil
}

func (t *memTx) CreateVoteRecord(ctx context.Context, rec *types.VoteRecord) error {
	key := voteKey{rec.ProposalID, rec.Voter}
	if _, exists := t.state.votes[key]; exists {
		return fmt.Errorf("%w: voter %s, proposal %d", types.ErrAlreadyVoted, rec.Voter, rec.ProposalID)
	}
	cp := *rec
	t.state.votes[key] = &cp
	return nil
}

func (t *memTx) VoteRecords(ctx context.Context, proposalID int64) ([]types.VoteRecord, error) {
	var out []types.VoteRecord
	for key, rec := range t.state.votes {
		if key.proposalID == proposalID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CastAt.Before(out[j].CastAt) })
	return out, nil
}

func (t *memTx) SaveVoteRecord(ctx context.Context, rec *types.VoteRecord) error {
	key := voteKey{rec.ProposalID, rec.Voter}
	if _, ok := t.state.votes[key]; !ok {
		return fmt.Errorf("%w: no vote by %s on proposal %d", types.ErrNotFound, rec.Voter, rec.ProposalID)
	}
	cp := *rec
	t.state.votes[key] = &cp
	return nil
}

func (t *memTx) StakeAccountForUpdate(ctx context.Context, basket, voter solana.PublicKey) (*types.StakeAccount, error) {
	key := stakeKey{basket, voter}
	if acct, ok := t.state.stakes[key]; ok {
		cp := *acct
		return &cp, nil
	}
	return &types.StakeAccount{Basket: basket, Voter: voter}, nil
}

func (t *memTx) SaveStakeAccount(ctx context.Context, acct *types.StakeAccount) error {
	if acct.Locked > acct.Staked {
		return fmt.Errorf("%w: locked %d exceeds staked %d", types.ErrInsufficientStake, acct.Locked, acct.Staked)
	}
	cp := *acct
	t.state.stakes[stakeKey{acct.Basket, acct.Voter}] = &cp
	return nil
}

func (t *memTx) TotalStaked(ctx context.Context, basket solana.PublicKey) (uint64, error) {
	var total uint64
	for key, acct := range t.state.stakes {
		if key.basket.Equals(basket) {
			total += acct.Staked
		}
	}
	return total, nil
}

func (t *memTx) InsertReceipt(ctx context.Context, rec *types.RebalanceReceipt) error {
	rec.ID = t.state.nextReceiptID
	t.state.nextReceiptID++
	t.state.receipts = append(t.state.receipts, *rec)
	return nil
}

func (s *memState) clone() *memState {
	next := &memState{
		baskets:        make(map[solana.PublicKey]*types.BasketConfig, len(s.baskets)),
		basketsByOwner: make(map[stakeKey]solana.PublicKey, len(s.basketsByOwner)),
		proposals:      make(map[int64]*types.Proposal, len(s.proposals)),
		latest:         make(map[proposalKey]int64, len(s.latest)),
		votes:          make(map[voteKey]*types.VoteRecord, len(s.votes)),
		stakes:         make(map[stakeKey]*types.StakeAccount, len(s.stakes)),
		receipts:       append([]types.RebalanceReceipt(nil), s.receipts...),
		nextProposalID: s.nextProposalID,
		nextReceiptID:  s.nextReceiptID,
	}
	for k, v := range s.baskets {
		next.baskets[k] = cloneBasket(v)
	}
	for k, v := range s.basketsByOwner {
		next.basketsByOwner[k] = v
	}
	for k, v := range s.proposals {
		next.proposals[k] = cloneProposal(v)
	}
	for k, v := range s.latest {
		next.latest[k] = v
	}
	for k, v := range s.votes {
		cp := *v
		next.votes[k] = &cp
	}
	for k, v := range s.stakes {
		cp := *v
		next.stakes[k] = &cp
	}
	return next
}

func cloneBasket(cfg *types.BasketConfig) *types.BasketConfig {
	cp := *cfg
	cp.EligibleAssets = append([]solana.PublicKey(nil), cfg.EligibleAssets...)
	cp.Whitelist = append([]solana.PublicKey(nil), cfg.Whitelist...)
	return &cp
}

func cloneProposal(p *types.Proposal) *types.Proposal {
	cp := *p
	cp.Value.Assets = append([]solana.PublicKey(nil), p.Value.Assets...)
	return &cp
}
