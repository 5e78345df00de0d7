package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"BioScholar-Vault/internal/auth"
	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/payout"
	"BioScholar-Vault/internal/proofs"
	"BioScholar-Vault/pkg/logger"
)

const maxBodyBytes = 64 << 10

// releaseRequest 是 POST /api/v1/releases 的请求体。amount 允许为 0。
type releaseRequest struct {
	ID               string `json:"id" validate:"omitempty,max=64"`
	Vault            string `json:"vault" validate:"omitempty,eth_addr"`
	Researcher       string `json:"researcher" validate:"required,eth_addr"`
	ScholarAgent     string `json:"scholar_agent" validate:"required,eth_addr"`
	Amount           uint64 `json:"amount"`
	VerificationHash string `json:"verification_hash" validate:"max=255"`
	Nonce            string `json:"nonce" validate:"required,max=128"`
	Signature        string `json:"signature" validate:"required"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(payout.CodePayoutValidation), "请求体解析失败: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeFailure(w, err)
		return false
	}
	return true
}

func (s *Server) handleSubmitRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !s.decode(w, r, &req) {
		return
	}

	vault := s.opts.DefaultVault
	if req.Vault != "" {
		vault = common.HexToAddress(req.Vault)
	}
	if vault == (common.Address{}) {
		writeError(w, http.StatusBadRequest, string(payout.CodePayoutValidation), "vault is required")
		return
	}

	msg := proofs.ReleaseMessage{
		ChainTag:         s.opts.ChainTag,
		Vault:            vault,
		Researcher:       common.HexToAddress(req.Researcher),
		ScholarAgent:     common.HexToAddress(req.ScholarAgent),
		Amount:           req.Amount,
		VerificationHash: req.VerificationHash,
		Nonce:            req.Nonce,
	}
	sig, err := proofs.DecodeSignature(req.Signature)
	if err != nil {
		writeFailure(w, err)
		return
	}
	caller, err := proofs.VerifyRelease(msg, sig)
	if err != nil {
		writeFailure(w, err)
		return
	}

	submitted, err := s.opts.Payouts.Submit(r.Context(), payout.Request{
		ID:               req.ID,
		Vault:            msg.Vault,
		Researcher:       msg.Researcher,
		Authority:        caller,
		ScholarAgent:     msg.ScholarAgent,
		Amount:           msg.Amount,
		VerificationHash: msg.VerificationHash,
		Digest:           hex.EncodeToString(msg.Hash()),
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	logger.Audit().Info("release_submitted",
		slog.String("payout_id", submitted.ID),
		slog.String("operator", auth.OperatorName(r.Context())),
		slog.String("authority", caller.Address().Hex()),
		slog.Uint64("amount", submitted.Amount),
	)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, submitted)
		return
	}
	s.waitAndRespond(r.Context(), w, submitted)
}

// waitAndRespond 等待放款结束；超时返回 202 与当前状态。
func (s *Server) waitAndRespond(ctx context.Context, w http.ResponseWriter, submitted *payout.Payout) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.WaitTimeout)
	defer cancel()

	done, err := s.opts.Payouts.WaitUntilCompleted(waitCtx, submitted.ID, s.opts.WaitInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if done == nil {
				done = submitted
			}
			writeJSON(w, http.StatusAccepted, done)
			return
		}
		writeFailure(w, err)
		return
	}

	if done.Status == payout.StatusReleased {
		writeJSON(w, http.StatusOK, done)
		return
	}
	status := statusForCode(xerrors.Code(done.ErrorCode))
	writeJSON(w, status, errorResponse{Code: done.ErrorCode, Message: done.LastError, Payout: done})
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Payouts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r, true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	payouts, err := s.opts.Payouts.List(r.Context(), opts...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"releases": payouts, "count": len(payouts)})
}

func (s *Server) handleReleaseStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r, false)
	if err != nil {
		writeFailure(w, err)
		return
	}
	stats, err := s.opts.Payouts.Stats(r.Context(), opts...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseListOptions 解析查询参数；paging 为 false 时忽略 limit/offset/order。
func parseListOptions(r *http.Request, paging bool) ([]payout.ListOption, error) {
	q := r.URL.Query()
	var opts []payout.ListOption

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []payout.Status
		for _, part := range strings.Split(raw, ",") {
			status := payout.Status(strings.ToLower(strings.TrimSpace(part)))
			if !payout.IsValidStatus(status) {
				return nil, xerrors.New(payout.CodePayoutValidation, "unknown status "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, payout.WithStatuses(statuses...))
	}
	if raw := q.Get("researcher"); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, xerrors.New(payout.CodePayoutValidation, "researcher must be a hex address")
		}
		opts = append(opts, payout.WithResearcher(common.HexToAddress(raw)))
	}
	if raw := q.Get("has_receipt"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(payout.CodePayoutValidation, err, "has_receipt must be a boolean")
		}
		opts = append(opts, payout.WithReceiptPresence(has))
	}
	for key, apply := range map[string]func(time.Time) payout.ListOption{
		"updated_since": payout.WithUpdatedSince,
		"updated_until": payout.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts < 0 {
			return nil, xerrors.New(payout.CodePayoutValidation, key+" must be a unix timestamp")
		}
		opts = append(opts, apply(time.Unix(ts, 0)))
	}
	if !paging {
		return opts, nil
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(payout.CodePayoutValidation, "limit must be a positive integer")
		}
		opts = append(opts, payout.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(payout.CodePayoutValidation, "offset must be a non-negative integer")
		}
		opts = append(opts, payout.WithOffset(offset))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, payout.WithSortOrder(payout.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(payout.CodePayoutValidation, "order must be asc or desc")
	}
	return opts, nil
}

func (s *Server) handleVaultBalance(w http.ResponseWriter, r *http.Request) {
	if s.opts.Balances == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "balance reader unavailable")
		return
	}
	account := s.opts.DefaultVault
	if raw := r.URL.Query().Get("address"); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusBadRequest, string(payout.CodePayoutValidation), "address must be a hex address")
			return
		}
		account = common.HexToAddress(raw)
	}
	balance, err := s.opts.Balances.Balance(r.Context(), account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": account.Hex(), "balance": balance})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.opts.Auth.Authenticate(r.Context(), req)
	if err != nil {
		status := auth.StatusFor(err)
		writeError(w, status, http.StatusText(status), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, token)
}
