// Package solrpc implements the token ledger against a Solana RPC node.
// Mint and transfer instructions are signed with the service's operator
// key, which must hold the delegated authority for the basket's mint and
// fee vault accounts.
package solrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/rebalnet/registry/registry/pkg/authority"
	"github.com/rebalnet/registry/registry/pkg/types"
)

// Config configures the RPC token ledger.
type Config struct {
	Logger *slog.Logger
	// RPCURL is the Solana JSON-RPC endpoint.
	RPCURL string
	// Operator signs and pays for submitted transactions.
	Operator solana.PrivateKey
	// Commitment for reads and sends; confirmed by default.
	Commitment rpc.CommitmentType
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.Operator == nil {
		return errors.New("operator key is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	return nil
}

// Ledger talks to a Solana node. It implements authority.TokenLedger.
type Ledger struct {
	log    *slog.Logger
	cfg    Config
	client *rpc.Client
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:    cfg.Logger,
		cfg:    cfg,
		client: rpc.New(cfg.RPCURL),
	}, nil
}

// Supply fetches the current supply of a mint.
func (l *Ledger) Supply(ctx context.Context, mint solana.PublicKey) (uint64, error) {
	out, err := l.client.GetTokenSupply(ctx, mint, l.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get token supply: %w", err)
	}
	var supply uint64
	if _, err := fmt.Sscan(out.Value.Amount, &supply); err != nil {
		return 0, fmt.Errorf("parse token supply %q: %w", out.Value.Amount, err)
	}
	return supply, nil
}

// VaultBalance fetches an account's lamport balance.
func (l *Ledger) VaultBalance(ctx context.Context, vault solana.PublicKey) (uint64, error) {
	out, err := l.client.GetBalance(ctx, vault, l.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return out.Value, nil
}

// MintTo mints reward tokens to the recipient's associated token account.
// The operator must currently hold the mint's authority (delegated from the
// derived credential); that delegation is checked against the live mint
// account before the instruction is submitted.
func (l *Ledger) MintTo(ctx context.Context, mint solana.PublicKey, auth authority.Credential, recipient solana.PublicKey, amount uint64) error {
	if auth.Address.IsZero() {
		return fmt.Errorf("%w: mint authority is unset", types.ErrUnauthorized)
	}
	state, err := l.mintState(ctx, mint)
	if err != nil {
		return err
	}
	if !operatorHoldsMintAuthority(state, l.cfg.Operator.PublicKey()) {
		return fmt.Errorf("%w: authority of mint %s is not delegated to the operator",
			types.ErrUnauthorized, mint)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return fmt.Errorf("derive token account: %w", err)
	}
	inst := token.NewMintToInstruction(
		amount,
		mint,
		dest,
		l.cfg.Operator.PublicKey(),
		nil,
	).Build()
	if err := l.submit(ctx, inst); err != nil {
		return fmt.Errorf("mint %d to %s: %w", amount, recipient, err)
	}
	return nil
}

// TransferLamports pays lamports out of the fee vault.
func (l *Ledger) TransferLamports(ctx context.Context, vault authority.Credential, recipient solana.PublicKey, lamports uint64) error {
	if vault.Address.IsZero() {
		return fmt.Errorf("%w: fee vault is unset", types.ErrUnauthorized)
	}
	balance, err := l.VaultBalance(ctx, vault.Address)
	if err != nil {
		return err
	}
	if balance < lamports {
		return fmt.Errorf("%w: vault %s holds %d, needs %d",
			types.ErrFeeVaultUnderfunded, vault.Address, balance, lamports)
	}
	inst := system.NewTransferInstruction(
		lamports,
		vault.Address,
		recipient,
	).Build()
	if err := l.submit(ctx, inst); err != nil {
		return fmt.Errorf("transfer %d lamports to %s: %w", lamports, recipient, err)
	}
	return nil
}

func (l *Ledger) mintState(ctx context.Context, mint solana.PublicKey) (token.Mint, error) {
	var state token.Mint
	info, err := l.client.GetAccountInfo(ctx, mint)
	if err != nil {
		return state, fmt.Errorf("get mint account %s: %w", mint, err)
	}
	if info.Value == nil {
		return state, fmt.Errorf("mint account %s does not exist", mint)
	}
	if err := bin.NewBinDecoder(info.Value.Data.GetBinary()).Decode(&state); err != nil {
		return state, fmt.Errorf("decode mint account %s: %w", mint, err)
	}
	return state, nil
}

// operatorHoldsMintAuthority reports whether the mint's current authority
// is the operator key. A fixed-supply mint has no authority at all.
func operatorHoldsMintAuthority(state token.Mint, operator solana.PublicKey) bool {
	return state.MintAuthority != nil && state.MintAuthority.Equals(operator)
}

func (l *Ledger) submit(ctx context.Context, inst solana.Instruction) error {
	recent, err := l.client.GetLatestBlockhash(ctx, l.cfg.Commitment)
	if err != nil {
		return fmt.Errorf("get latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{inst},
		recent.Value.Blockhash,
		solana.TransactionPayer(l.cfg.Operator.PublicKey()),
	)
	if err != nil {
		return fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(l.cfg.Operator.PublicKey()) {
			return &l.cfg.Operator
		}
		return nil
	}); err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	sig, err := l.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: l.cfg.Commitment,
	})
	if err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	l.log.Debug("solrpc: transaction sent", "signature", sig.String())
	return nil
}
