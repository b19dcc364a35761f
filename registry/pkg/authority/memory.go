package authority

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/rebalnet/registry/registry/pkg/types"
)

// MemoryLedger is an in-process TokenLedger used by dev mode and tests. It
// tracks mint supplies, token balances, and lamport balances, and enforces
// the same credential scoping as the real ledger: the credential address
// must match the vault being debited.
type MemoryLedger struct {
	mu       sync.Mutex
	supply   map[solana.PublicKey]uint64
	tokens   map[solana.PublicKey]map[solana.PublicKey]uint64 // mint -> holder -> amount
	lamports map[solana.PublicKey]uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		supply:   make(map[solana.PublicKey]uint64),
		tokens:   make(map[solana.PublicKey]map[solana.PublicKey]uint64),
		lamports: make(map[solana.PublicKey]uint64),
	}
}

func (l *MemoryLedger) Supply(ctx context.Context, mint solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply[mint], nil
}

func (l *MemoryLedger) MintTo(ctx context.Context, mint solana.PublicKey, auth Credential, recipient solana.PublicKey, amount uint64) error {
	if auth.Address.IsZero() {
		return fmt.Errorf("%w: mint authority credential is required", types.ErrUnauthorized)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	holders := l.tokens[mint]
	if holders == nil {
		holders = make(map[solana.PublicKey]uint64)
		l.tokens[mint] = holders
	}
	holders[recipient] += amount
	l.supply[mint] += amount
	return nil
}

func (l *MemoryLedger) TransferLamports(ctx context.Context, vault Credential, recipient solana.PublicKey, lamports uint64) error {
	if vault.Address.IsZero() {
		return fmt.Errorf("%w: fee vault credential is required", types.ErrUnauthorized)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.lamports[vault.Address]
	if balance < lamports {
		return fmt.Errorf("%w: vault %s holds %d lamports, need %d",
			types.ErrFeeVaultUnderfunded, vault.Address, balance, lamports)
	}
	l.lamports[vault.Address] = balance - lamports
	l.lamports[recipient] += lamports
	return nil
}

func (l *MemoryLedger) VaultBalance(ctx context.Context, vault solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lamports[vault], nil
}

// Fund credits a lamport balance, standing in for the external fee-vault
// funding transfer.
func (l *MemoryLedger) Fund(vault solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lamports[vault] += lamports
}

// TokenBalance reads a holder's reward-token balance.
func (l *MemoryLedger) TokenBalance(mint, holder solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens[mint][holder]
}

// LamportBalance reads any account's lamport balance.
func (l *MemoryLedger) LamportBalance(addr solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lamports[addr]
}
