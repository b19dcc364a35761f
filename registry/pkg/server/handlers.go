package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/rebalnet/registry/registry/pkg/engine"
	"github.com/rebalnet/registry/registry/pkg/types"
)

type basketResponse struct {
	ID               string    `json:"id"`
	Authority        string    `json:"authority"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Mint             string    `json:"mint"`
	MintAuthority    string    `json:"mint_authority"`
	MintAuthBump     uint8     `json:"mint_auth_bump"`
	FeeVault         string    `json:"fee_vault"`
	FeeVaultBump     uint8     `json:"fee_vault_bump"`
	Threshold        uint64    `json:"threshold"`
	Strategy         uint8     `json:"strategy"`
	EligibleAssets   []string  `json:"eligible_assets"`
	QuorumPct        uint8     `json:"quorum_pct"`
	CooldownSecs     int64     `json:"cooldown_secs"`
	BaseReward       uint64    `json:"base_reward"`
	LamportsReward   uint64    `json:"lamports_reward"`
	SlashFactor      uint64    `json:"slash_factor"`
	WhitelistEnabled bool      `json:"whitelist_enabled"`
	Whitelist        []string  `json:"whitelist,omitempty"`
	LastRebalanceAt  time.Time `json:"last_rebalance_at,omitzero"`
	CreatedAt        time.Time `json:"created_at"`
}

func toBasketResponse(cfg *types.BasketConfig) basketResponse {
	return basketResponse{
		ID:               cfg.ID.String(),
		Authority:        cfg.Authority.String(),
		Name:             cfg.Name,
		Description:      cfg.Description,
		Mint:             cfg.Mint.String(),
		MintAuthority:    cfg.MintAuthority.String(),
		MintAuthBump:     cfg.MintAuthBump,
		FeeVault:         cfg.FeeVault.String(),
		FeeVaultBump:     cfg.FeeVaultBump,
		Threshold:        cfg.Threshold,
		Strategy:         uint8(cfg.Strategy),
		EligibleAssets:   keysToStrings(cfg.EligibleAssets),
		QuorumPct:        cfg.QuorumPct,
		CooldownSecs:     int64(cfg.Cooldown / time.Second),
		BaseReward:       cfg.BaseReward,
		LamportsReward:   cfg.LamportsReward,
		SlashFactor:      cfg.SlashFactor,
		WhitelistEnabled: cfg.WhitelistEnabled,
		Whitelist:        keysToStrings(cfg.Whitelist),
		LastRebalanceAt:  cfg.LastRebalanceAt,
		CreatedAt:        cfg.CreatedAt,
	}
}

type proposalResponse struct {
	ID            int64               `json:"id"`
	Basket        string              `json:"basket"`
	Kind          types.ProposalKind  `json:"kind"`
	Proposer      string              `json:"proposer"`
	Value         types.ProposalValue `json:"value"`
	YesVotes      uint64              `json:"yes_votes"`
	NoVotes       uint64              `json:"no_votes"`
	SnapshotStake uint64              `json:"snapshot_stake"`
	QuorumPct     uint8               `json:"quorum_pct"`
	Status        string              `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
}

func toProposalResponse(p *types.Proposal) proposalResponse {
	return proposalResponse{
		ID:            p.ID,
		Basket:        p.Basket.String(),
		Kind:          p.Kind,
		Proposer:      p.Proposer.String(),
		Value:         p.Value,
		YesVotes:      p.YesVotes,
		NoVotes:       p.NoVotes,
		SnapshotStake: p.SnapshotStake,
		QuorumPct:     p.QuorumPct,
		Status:        p.Status.String(),
		CreatedAt:     p.CreatedAt,
		ExpiresAt:     p.ExpiresAt,
	}
}

type receiptResponse struct {
	ID                 int64     `json:"id"`
	Basket             string    `json:"basket"`
	Bot                string    `json:"bot"`
	CorrectedDeviation uint64    `json:"corrected_deviation"`
	Reward             uint64    `json:"reward"`
	Slash              uint64    `json:"slash"`
	Payout             uint64    `json:"payout"`
	Lamports           uint64    `json:"lamports"`
	ExecutedAt         time.Time `json:"executed_at"`
}

type initializeRequest struct {
	Authority        string   `json:"authority"`
	Mint             string   `json:"mint"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Threshold        uint64   `json:"threshold"`
	Strategy         uint8    `json:"strategy"`
	EligibleAssets   []string `json:"eligible_assets"`
	QuorumPct        uint8    `json:"quorum_pct"`
	CooldownSecs     int64    `json:"cooldown_secs"`
	BaseReward       uint64   `json:"base_reward"`
	LamportsReward   uint64   `json:"lamports_reward"`
	SlashFactor      uint64   `json:"slash_factor"`
	WhitelistEnabled bool     `json:"whitelist_enabled"`
	Whitelist        []string `json:"whitelist"`
	MintAuthBump     *uint8   `json:"mint_auth_bump,omitempty"`
	FeeVaultBump     *uint8   `json:"fee_vault_bump,omitempty"`
}

func (s *Server) handleInitializeBasket(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: %v", types.ErrInvalidParameter, err))
		return
	}
	authorityKey, err := parseKey(req.Authority, "authority")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	mint, err := parseKey(req.Mint, "mint")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	assets, err := parseKeys(req.EligibleAssets, "eligible_assets")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	whitelist, err := parseKeys(req.Whitelist, "whitelist")
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	cfg, err := s.cfg.Engine.InitializeBasket(r.Context(), engine.InitializeParams{
		Authority:        authorityKey,
		Mint:             mint,
		Name:             req.Name,
		Description:      req.Description,
		Threshold:        req.Threshold,
		Strategy:         types.Strategy(req.Strategy),
		EligibleAssets:   assets,
		QuorumPct:        req.QuorumPct,
		Cooldown:         time.Duration(req.CooldownSecs) * time.Second,
		BaseReward:       req.BaseReward,
		LamportsReward:   req.LamportsReward,
		SlashFactor:      req.SlashFactor,
		WhitelistEnabled: req.WhitelistEnabled,
		Whitelist:        whitelist,
		MintAuthBump:     req.MintAuthBump,
		FeeVaultBump:     req.FeeVaultBump,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBasketResponse(cfg))
}

func (s *Server) handleGetBasket(w http.ResponseWriter, r *http.Request) {
	basket, err := parseKey(chi.URLParam(r, "basket"), "basket")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	cfg, err := s.cfg.Engine.Basket(r.Context(), basket)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toBasketResponse(cfg))
}

func (s *Server) handleGetReceipts(w http.ResponseWriter, r *http.Request) {
	basket, err := parseKey(chi.URLParam(r, "basket"), "basket")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, s.log, fmt.Errorf("%w: limit must be 1-500", types.ErrInvalidParameter))
			return
		}
		limit = n
	}
	receipts, err := s.cfg.Engine.Receipts(r.Context(), basket, limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	out := make([]receiptResponse, 0, len(receipts))
	for _, rec := range receipts {
		out = append(out, receiptResponse{
			ID:                 rec.ID,
			Basket:             rec.Basket.String(),
			Bot:                rec.Bot.String(),
			CorrectedDeviation: rec.CorrectedDeviation,
			Reward:             rec.Reward,
			Slash:              rec.Slash,
			Payout:             rec.Payout,
			Lamports:           rec.Lamports,
			ExecutedAt:         rec.ExecutedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type stakeRequest struct {
	Voter  string `json:"voter"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleDepositStake(w http.ResponseWriter, r *http.Request) {
	s.handleStake(w, r, s.cfg.Engine.DepositStake)
}

func (s *Server) handleWithdrawStake(w http.ResponseWriter, r *http.Request) {
	s.handleStake(w, r, s.cfg.Engine.WithdrawStake)
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, basket, voter solana.PublicKey, amount uint64) error) {
	basket, err := parseKey(chi.URLParam(r, "basket"), "basket")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: %v", types.ErrInvalidParameter, err))
		return
	}
	voter, err := parseKey(req.Voter, "voter")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := op(r.Context(), basket, voter, req.Amount); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stakeResponse struct {
	Basket    string `json:"basket"`
	Voter     string `json:"voter"`
	Staked    uint64 `json:"staked"`
	Locked    uint64 `json:"locked"`
	Available uint64 `json:"available"`
}

func (s *Server) handleGetStake(w http.ResponseWriter, r *http.Request) {
	basket, err := parseKey(chi.URLParam(r, "basket"), "basket")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	voter, err := parseKey(chi.URLParam(r, "voter"), "voter")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	acct, err := s.cfg.Engine.StakeAccount(r.Context(), basket, voter)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeResponse{
		Basket:    basket.String(),
		Voter:     voter.String(),
		Staked:    acct.Staked,
		Locked:    acct.Locked,
		Available: acct.Available(),
	})
}

type proposeRequest struct {
	Proposer  string              `json:"proposer"`
	Value     types.ProposalValue `json:"value"`
	ExpiresAt time.Time           `json:"expires_at"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	basket, kind, err := parseProposalPath(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: %v", types.ErrInvalidParameter, err))
		return
	}
	proposer, err := parseKey(req.Proposer, "proposer")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := s.cfg.Engine.Propose(r.Context(), basket, kind, proposer, req.Value, req.ExpiresAt)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalResponse(p))
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	basket, kind, err := parseProposalPath(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := s.cfg.Engine.Proposal(r.Context(), basket, kind)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalResponse(p))
}

type voteRequest struct {
	Voter   string `json:"voter"`
	Approve bool   `json:"approve"`
	Weight  uint64 `json:"weight"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	basket, kind, err := parseProposalPath(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: %v", types.ErrInvalidParameter, err))
		return
	}
	voter, err := parseKey(req.Voter, "voter")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.cfg.Engine.Vote(r.Context(), basket, kind, voter, req.Approve, req.Weight); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	basket, kind, err := parseProposalPath(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	status, err := s.cfg.Engine.Finalize(r.Context(), basket, kind)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

type rebalanceRequest struct {
	Bot           string `json:"bot"`
	PreDeviation  uint64 `json:"pre_deviation"`
	PostDeviation uint64 `json:"post_deviation"`
}

func (s *Server) handleExecuteRebalance(w http.ResponseWriter, r *http.Request) {
	basket, err := parseKey(chi.URLParam(r, "basket"), "basket")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req rebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: %v", types.ErrInvalidParameter, err))
		return
	}
	bot, err := parseKey(req.Bot, "bot")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	receipt, err := s.cfg.Engine.ExecuteRebalance(r.Context(), basket, bot, types.RebalanceReport{
		PreDeviation:  req.PreDeviation,
		PostDeviation: req.PostDeviation,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{
		ID:                 receipt.ID,
		Basket:             receipt.Basket.String(),
		Bot:                receipt.Bot.String(),
		CorrectedDeviation: receipt.CorrectedDeviation,
		Reward:             receipt.Reward,
		Slash:              receipt.Slash,
		Payout:             receipt.Payout,
		Lamports:           receipt.Lamports,
		ExecutedAt:         receipt.ExecutedAt,
	})
}

func parseProposalPath(r *http.Request) (solana.PublicKey, types.ProposalKind, error) {
	basket, err := parseKey(chi.URLParam(r, "basket"), "basket")
	if err != nil {
		return solana.PublicKey{}, "", err
	}
	kind, err := types.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		return solana.PublicKey{}, "", err
	}
	return basket, kind, nil
}

func parseKey(s, field string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s: %v", types.ErrInvalidParameter, field, err)
	}
	return key, nil
}

func parseKeys(ss []string, field string) ([]solana.PublicKey, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	keys := make([]solana.PublicKey, 0, len(ss))
	for _, s := range ss {
		key, err := parseKey(s, field)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func keysToStrings(keys []solana.PublicKey) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
