package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx with database/sql for goose
	"github.com/pressly/goose/v3"

	"github.com/rebalnet/registry/registry/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	Logger        *slog.Logger
	DSN           string
	RunMigrations bool
	MaxConns      int32
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("postgres DSN is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	return nil
}

// Postgres is the production Store. Conflicting instructions serialize on
// the basket row via SELECT ... FOR UPDATE; uniqueness invariants (one
// basket per (authority, mint), one active proposal per (basket, kind),
// one vote per (proposal, voter)) are enforced by constraints and mapped
// back onto the registry taxonomy.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if cfg.RunMigrations {
		if err := RunMigrations(cfg.Logger, cfg.DSN); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Postgres{log: cfg.Logger, pool: pool}, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(log *slog.Logger, dsn string) error {
	log.Info("store: running postgres migrations")

	goose.SetBaseFS(migrationsFS)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (p *Postgres) Basket(ctx context.Context, id solana.PublicKey) (*types.BasketConfig, error) {
	return scanBasket(p.pool.QueryRow(ctx, selectBasket+` WHERE id = $1`, id.String()))
}

func (p *Postgres) Proposal(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind) (*types.Proposal, error) {
	row := p.pool.QueryRow(ctx,
		selectProposal+` WHERE basket = $1 AND kind = $2 ORDER BY id DESC LIMIT 1`,
		basket.String(), string(kind))
	return scanProposal(row)
}

func (p *Postgres) StakeAccount(ctx context.Context, basket, voter solana.PublicKey) (*types.StakeAccount, error) {
	acct := &types.StakeAccount{Basket: basket, Voter: voter}
	var staked, locked int64
	err := p.pool.QueryRow(ctx,
		`SELECT staked, locked FROM stake_accounts WHERE basket = $1 AND voter = $2`,
		basket.String(), voter.String()).Scan(&staked, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return acct, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stake account: %w", err)
	}
	acct.Staked = uint64(staked)
	acct.Locked = uint64(locked)
	return acct, nil
}

func (p *Postgres) Receipts(ctx context.Context, basket solana.PublicKey, limit int) ([]types.RebalanceReceipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, basket, bot, corrected_deviation, reward, slash, payout, lamports, executed_at
		 FROM rebalance_receipts WHERE basket = $1 ORDER BY id DESC LIMIT $2`,
		basket.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []types.RebalanceReceipt
	for rows.Next() {
		var rec types.RebalanceReceipt
		var basketStr, botStr string
		var corrected, rewardAmt, slash, payout, lamports int64
		if err := rows.Scan(&rec.ID, &basketStr, &botStr, &corrected, &rewardAmt, &slash, &payout, &lamports, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		if rec.Basket, err = solana.PublicKeyFromBase58(basketStr); err != nil {
			return nil, fmt.Errorf("failed to parse receipt basket: %w", err)
		}
		if rec.Bot, err = solana.PublicKeyFromBase58(botStr); err != nil {
			return nil, fmt.Errorf("failed to parse receipt bot: %w", err)
		}
		rec.CorrectedDeviation = uint64(corrected)
		rec.Reward = uint64(rewardAmt)
		rec.Slash = uint64(slash)
		rec.Payout = uint64(payout)
		rec.Lamports = uint64(lamports)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() {
	p.pool.Close()
}

type pgTx struct {
	tx pgx.Tx
}

const selectBasket = `
	SELECT id, authority, mint, name, description, mint_authority, mint_auth_bump,
	       fee_vault, fee_vault_bump, threshold, strategy, eligible_assets,
	       quorum_pct, cooldown_seconds, base_reward, lamports_reward, slash_factor,
	       whitelist_enabled, whitelist, last_rebalance_at, created_at
	FROM baskets`

const selectProposal = `
	SELECT id, basket, kind, proposer, new_threshold, new_strategy, new_assets,
	       yes_votes, no_votes, snapshot_stake, quorum_pct, status, created_at, expires_at
	FROM proposals`

func (t *pgTx) CreateBasket(ctx context.Context, cfg *types.BasketConfig) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO baskets (
			id, authority, mint, name, description, mint_authority, mint_auth_bump,
			fee_vault, fee_vault_bump, threshold, strategy, eligible_assets,
			quorum_pct, cooldown_seconds, base_reward, lamports_reward, slash_factor,
			whitelist_enabled, whitelist, last_rebalance_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		cfg.ID.String(), cfg.Authority.String(), cfg.Mint.String(), cfg.Name, cfg.Description,
		cfg.MintAuthority.String(), int16(cfg.MintAuthBump),
		cfg.FeeVault.String(), int16(cfg.FeeVaultBump),
		int64(cfg.Threshold), int16(cfg.Strategy), keysToStrings(cfg.EligibleAssets),
		int16(cfg.QuorumPct), int64(cfg.Cooldown/time.Second),
		int64(cfg.BaseReward), int64(cfg.LamportsReward), int64(cfg.SlashFactor),
		cfg.WhitelistEnabled, keysToStrings(cfg.Whitelist),
		nullableTime(cfg.LastRebalanceAt), cfg.CreatedAt)
	if err != nil {
		return mapPgError(err, "failed to insert basket")
	}
	return nil
}

func (t *pgTx) BasketForUpdate(ctx context.Context, id solana.PublicKey) (*types.BasketConfig, error) {
	return scanBasket(t.tx.QueryRow(ctx, selectBasket+` WHERE id = $1 FOR UPDATE`, id.String()))
}

func (t *pgTx) SaveBasket(ctx context.Context, cfg *types.BasketConfig) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE baskets SET
			name = $2, description = $3, threshold = $4, strategy = $5,
			eligible_assets = $6, quorum_pct = $7, cooldown_seconds = $8,
			base_reward = $9, lamports_reward = $10, slash_factor = $11,
			whitelist_enabled = $12, whitelist = $13, last_rebalance_at = $14
		WHERE id = $1`,
		cfg.ID.String(), cfg.Name, cfg.Description,
		int64(cfg.Threshold), int16(cfg.Strategy), keysToStrings(cfg.EligibleAssets),
		int16(cfg.QuorumPct), int64(cfg.Cooldown/time.Second),
		int64(cfg.BaseReward), int64(cfg.LamportsReward), int64(cfg.SlashFactor),
		cfg.WhitelistEnabled, keysToStrings(cfg.Whitelist), nullableTime(cfg.LastRebalanceAt))
	if err != nil {
		return mapPgError(err, "failed to update basket")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: basket %s", types.ErrNotFound, cfg.ID)
	}
	return nil
}

func (t *pgTx) ActiveProposal(ctx context.Context, basket solana.PublicKey, kind types.ProposalKind) (*types.Proposal, error) {
	row := t.tx.QueryRow(ctx,
		selectProposal+` WHERE basket = $1 AND kind = $2 AND status = $3 FOR UPDATE`,
		basket.String(), string(kind), int16(types.StatusActive))
	return scanProposal(row)
}

func (t *pgTx) CreateProposal(ctx context.Context, p *types.Proposal) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO proposals (
			basket, kind, proposer, new_threshold, new_strategy, new_assets,
			yes_votes, no_votes, snapshot_stake, quorum_pct, status, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		p.Basket.String(), string(p.Kind), p.Proposer.String(),
		proposalThreshold(p), proposalStrategy(p), proposalAssets(p),
		int64(p.YesVotes), int64(p.NoVotes), int64(p.SnapshotStake),
		int16(p.QuorumPct), int16(p.Status), p.CreatedAt, p.ExpiresAt).Scan(&p.ID)
	if err != nil {
		return mapPgError(err, "failed to insert proposal")
	}
	return nil
}

func (t *pgTx) SaveProposal(ctx context.Context, p *types.Proposal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE proposals SET yes_votes = $2, no_votes = $3, status = $4 WHERE id = $1`,
		p.ID, int64(p.YesVotes), int64(p.NoVotes), int16(p.Status))
	if err != nil {
		return mapPgError(err, "failed to update proposal")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: proposal %d", types.ErrNotFound, p.ID)
	}
	return nil
}

func (t *pgTx) VoteRecord(ctx context.Context, proposalID int64, voter solana.PublicKey) (*types.VoteRecord, error) {
	rec := &types.VoteRecord{ProposalID: proposalID, Voter: voter}
	var locked int64
	err := t.tx.QueryRow(ctx,
		`SELECT approve, locked, released, cast_at FROM vote_records
		 WHERE proposal_id = $1 AND voter = $2`,
		proposalID, voter.String()).Scan(&rec.Approve, &locked, &rec.Released, &rec.CastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no vote by %s on proposal %d", types.ErrNotFound, voter, proposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vote record: %w", err)
	}
	rec.Locked = uint64(locked)
	return rec, nil
}

func (t *pgTx) CreateVoteRecord(ctx context.Context, rec *types.VoteRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO vote_records (proposal_id, voter, approve, locked, released, cast_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ProposalID, rec.Voter.String(), rec.Approve, int64(rec.Locked), rec.Released, rec.CastAt)
	if err != nil {
		return mapPgError(err, "failed to insert vote record")
	}
	return nil
}

func (t *pgTx) VoteRecords(ctx context.Context, proposalID int64) ([]types.VoteRecord, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT voter, approve, locked, released, cast_at FROM vote_records
		 WHERE proposal_id = $1 ORDER BY cast_at`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vote records: %w", err)
	}
	defer rows.Close()

	var out []types.VoteRecord
	for rows.Next() {
		rec := types.VoteRecord{ProposalID: proposalID}
		var voterStr string
		var locked int64
		if err := rows.Scan(&voterStr, &rec.Approve, &locked, &rec.Released, &rec.CastAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote record: %w", err)
		}
		if rec.Voter, err = solana.PublicKeyFromBase58(voterStr); err != nil {
			return nil, fmt.Errorf("failed to parse voter key: %w", err)
		}
		rec.Locked = uint64(locked)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *pgTx) SaveVoteRecord(ctx context.Context, rec *types.VoteRecord) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE vote_records SET released = $3 WHERE proposal_id = $1 AND voter = $2`,
		rec.ProposalID, rec.Voter.String(), rec.Released)
	if err != nil {
		return mapPgError(err, "failed to update vote record")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no vote by %s on proposal %d", types.ErrNotFound, rec.Voter, rec.ProposalID)
	}
	return nil
}

func (t *pgTx) StakeAccountForUpdate(ctx context.Context, basket, voter solana.PublicKey) (*types.StakeAccount, error) {
	// Upsert first so the row exists to lock; zero rows are harmless.
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stake_accounts (basket, voter) VALUES ($1, $2)
		ON CONFLICT (basket, voter) DO NOTHING`,
		basket.String(), voter.String())
	if err != nil {
		return nil, mapPgError(err, "failed to ensure stake account")
	}

	acct := &types.StakeAccount{Basket: basket, Voter: voter}
	var staked, locked int64
	err = t.tx.QueryRow(ctx,
		`SELECT staked, locked FROM stake_accounts WHERE basket = $1 AND voter = $2 FOR UPDATE`,
		basket.String(), voter.String()).Scan(&staked, &locked)
	if err != nil {
		return nil, fmt.Errorf("failed to lock stake account: %w", err)
	}
	acct.Staked = uint64(staked)
	acct.Locked = uint64(locked)
	return acct, nil
}

func (t *pgTx) SaveStakeAccount(ctx context.Context, acct *types.StakeAccount) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE stake_accounts SET staked = $3, locked = $4 WHERE basket = $1 AND voter = $2`,
		acct.Basket.String(), acct.Voter.String(), int64(acct.Staked), int64(acct.Locked))
	if err != nil {
		return mapPgError(err, "failed to update stake account")
	}
	return nil
}

func (t *pgTx) TotalStaked(ctx context.Context, basket solana.PublicKey) (uint64, error) {
	var total int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(staked), 0) FROM stake_accounts WHERE basket = $1`,
		basket.String()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum staked balances: %w", err)
	}
	return uint64(total), nil
}

func (t *pgTx) InsertReceipt(ctx context.Context, rec *types.RebalanceReceipt) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO rebalance_receipts (
			basket, bot, corrected_deviation, reward, slash, payout, lamports, executed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		rec.Basket.String(), rec.Bot.String(), clampedInt64(rec.CorrectedDeviation),
		clampedInt64(rec.Reward), clampedInt64(rec.Slash), clampedInt64(rec.Payout),
		clampedInt64(rec.Lamports), rec.ExecutedAt).Scan(&rec.ID)
	if err != nil {
		return mapPgError(err, "failed to insert receipt")
	}
	return nil
}

func scanBasket(row pgx.Row) (*types.BasketConfig, error) {
	cfg := &types.BasketConfig{}
	var idStr, authStr, mintStr, mintAuthStr, vaultStr string
	var mintAuthBump, feeVaultBump, strategy, quorum int16
	var threshold, cooldownSecs, baseReward, lamports, slashFactor int64
	var assets, whitelist []string
	var lastRebalance *time.Time

	err := row.Scan(&idStr, &authStr, &mintStr, &cfg.Name, &cfg.Description,
		&mintAuthStr, &mintAuthBump, &vaultStr, &feeVaultBump,
		&threshold, &strategy, &assets, &quorum, &cooldownSecs,
		&baseReward, &lamports, &slashFactor,
		&cfg.WhitelistEnabled, &whitelist, &lastRebalance, &cfg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: basket", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan basket: %w", err)
	}

	if cfg.ID, err = solana.PublicKeyFromBase58(idStr); err != nil {
		return nil, fmt.Errorf("failed to parse basket id: %w", err)
	}
	if cfg.Authority, err = solana.PublicKeyFromBase58(authStr); err != nil {
		return nil, fmt.Errorf("failed to parse authority: %w", err)
	}
	if cfg.Mint, err = solana.PublicKeyFromBase58(mintStr); err != nil {
		return nil, fmt.Errorf("failed to parse mint: %w", err)
	}
	if cfg.MintAuthority, err = solana.PublicKeyFromBase58(mintAuthStr); err != nil {
		return nil, fmt.Errorf("failed to parse mint authority: %w", err)
	}
	if cfg.FeeVault, err = solana.PublicKeyFromBase58(vaultStr); err != nil {
		return nil, fmt.Errorf("failed to parse fee vault: %w", err)
	}
	if cfg.EligibleAssets, err = stringsToKeys(assets); err != nil {
		return nil, fmt.Errorf("failed to parse eligible assets: %w", err)
	}
	if cfg.Whitelist, err = stringsToKeys(whitelist); err != nil {
		return nil, fmt.Errorf("failed to parse whitelist: %w", err)
	}

	cfg.MintAuthBump = uint8(mintAuthBump)
	cfg.FeeVaultBump = uint8(feeVaultBump)
	cfg.Threshold = uint64(threshold)
	cfg.Strategy = types.Strategy(strategy)
	cfg.QuorumPct = uint8(quorum)
	cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	cfg.BaseReward = uint64(baseReward)
	cfg.LamportsReward = uint64(lamports)
	cfg.SlashFactor = uint64(slashFactor)
	if lastRebalance != nil {
		cfg.LastRebalanceAt = *lastRebalance
	}
	return cfg, nil
}

func scanProposal(row pgx.Row) (*types.Proposal, error) {
	p := &types.Proposal{}
	var basketStr, kindStr, proposerStr string
	var newThreshold *int64
	var newStrategy *int16
	var newAssets []string
	var yes, no, snapshot int64
	var quorum, status int16

	err := row.Scan(&p.ID, &basketStr, &kindStr, &proposerStr,
		&newThreshold, &newStrategy, &newAssets,
		&yes, &no, &snapshot, &quorum, &status, &p.CreatedAt, &p.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: proposal", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proposal: %w", err)
	}

	if p.Basket, err = solana.PublicKeyFromBase58(basketStr); err != nil {
		return nil, fmt.Errorf("failed to parse proposal basket: %w", err)
	}
	if p.Proposer, err = solana.PublicKeyFromBase58(proposerStr); err != nil {
		return nil, fmt.Errorf("failed to parse proposer: %w", err)
	}
	p.Kind = types.ProposalKind(kindStr)
	if newThreshold != nil {
		p.Value.Threshold = uint64(*newThreshold)
	}
	if newStrategy != nil {
		p.Value.Strategy = types.Strategy(*newStrategy)
	}
	if p.Value.Assets, err = stringsToKeys(newAssets); err != nil {
		return nil, fmt.Errorf("failed to parse proposed assets: %w", err)
	}
	p.YesVotes = uint64(yes)
	p.NoVotes = uint64(no)
	p.SnapshotStake = uint64(snapshot)
	p.QuorumPct = uint8(quorum)
	p.Status = types.ProposalStatus(status)
	return p, nil
}

func proposalThreshold(p *types.Proposal) *int64 {
	if p.Kind != types.KindThreshold {
		return nil
	}
	v := int64(p.Value.Threshold)
	return &v
}

func proposalStrategy(p *types.Proposal) *int16 {
	if p.Kind != types.KindStrategy {
		return nil
	}
	v := int16(p.Value.Strategy)
	return &v
}

func proposalAssets(p *types.Proposal) []string {
	if p.Kind != types.KindAssets {
		return nil
	}
	return keysToStrings(p.Value.Assets)
}

func keysToStrings(keys []solana.PublicKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func stringsToKeys(strs []string) ([]solana.PublicKey, error) {
	if len(strs) == 0 {
		return nil, nil
	}
	out := make([]solana.PublicKey, len(strs))
	for i, s := range strs {
		k, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("invalid public key %q: %w", s, err)
		}
		out[i] = k
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// clampedInt64 narrows a uint64 receipt amount for the BIGINT columns. The
// reward is uncapped, so any of the amounts can exceed int64 range; a
// wrapped negative value would trip the CHECK constraints.
func clampedInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}

// mapPgError translates constraint violations onto the registry taxonomy.
func mapPgError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			switch pgErr.ConstraintName {
			case "baskets_pkey", "baskets_authority_mint_key":
				return fmt.Errorf("%w: %s", types.ErrDuplicateBasket, pgErr.ConstraintName)
			case "proposals_one_active_idx":
				return types.ErrProposalAlreadyActive
			case "vote_records_pkey":
				return types.ErrAlreadyVoted
			}
		case "23514": // check_violation
			if pgErr.TableName == "stake_accounts" {
				return fmt.Errorf("%w: %s", types.ErrInsufficientStake, pgErr.ConstraintName)
			}
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
