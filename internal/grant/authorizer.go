// Package grant contains the release core: a single guarded action that moves
// a grant from a custodial vault to a researcher once the scholar agent named
// in the request is the verified signer of the call.
package grant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/proofs"
	"BioScholar-Vault/pkg/logger"
)

const CodeUnauthorized xerrors.Code = "UNAUTHORIZED"

// ErrUnauthorized is returned when the scholar agent is not the verified signer.
var ErrUnauthorized = xerrors.New(CodeUnauthorized, "scholar agent is not the release authority")

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:   "scholar agent is not the release authority",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Outcome classifies a release attempt for metrics.
type Outcome string

const (
	OutcomeReleased Outcome = "released"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
	// OutcomeUnconfirmed 表示转账已广播但结果未知。
	OutcomeUnconfirmed Outcome = "unconfirmed"
)

// Recorder receives one observation per release attempt.
type Recorder interface {
	ObserveRelease(outcome string, amount uint64)
}

// Accounts resolves the parties of a release call.
type Accounts struct {
	Vault      common.Address
	Researcher common.Address
	// Authority must come from the calling boundary, which proves the signer.
	Authority    proofs.Caller
	ScholarAgent common.Address
}

// Authorizer gates and executes grant releases against a transfer substrate.
// It keeps no state between calls.
type Authorizer struct {
	transfer ledger.Transferer
	audit    *slog.Logger
	recorder Recorder
}

// Option customises an Authorizer.
type Option func(*Authorizer)

// WithAuditLogger overrides the audit logger.
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Authorizer) {
		if l != nil {
			a.audit = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Authorizer) {
		a.recorder = r
	}
}

// NewAuthorizer builds an Authorizer around the given substrate.
func NewAuthorizer(transfer ledger.Transferer, opts ...Option) *Authorizer {
	a := &Authorizer{transfer: transfer}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// ReleaseGrant moves amount from the vault to the researcher when the scholar
// agent equals the verified authority. The verification artifact is opaque:
// it is written to the audit log and handed to the substrate as a memo.
//
// Substrate failures are returned unchanged; no state is touched when the
// guard rejects the call.
func (a *Authorizer) ReleaseGrant(ctx context.Context, amount uint64, verificationArtifact string, accts Accounts) (ledger.Receipt, error) {
	if a == nil || a.transfer == nil {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeInitializationFailure, "release authorizer has no transfer substrate")
	}

	attrs := []any{
		slog.String("vault", accts.Vault.Hex()),
		slog.String("researcher", accts.Researcher.Hex()),
		slog.String("authority", accts.Authority.String()),
		slog.String("scholar_agent", accts.ScholarAgent.Hex()),
		slog.Uint64("amount", amount),
		slog.String("verification_hash", verificationArtifact),
	}

	if !accts.Authority.Verified() || accts.ScholarAgent != accts.Authority.Address() {
		a.auditLogger().Warn("grant_rejected", attrs...)
		a.observe(OutcomeRejected, amount)
		return ledger.Receipt{}, xerrors.New(CodeUnauthorized,
			fmt.Sprintf("scholar agent %s is not authority %s", accts.ScholarAgent.Hex(), accts.Authority),
			xerrors.WithMetadata("scholar_agent", accts.ScholarAgent.Hex()),
		)
	}

	receipt, err := a.transfer.Transfer(ctx, ledger.TransferRequest{
		From:   accts.Vault,
		To:     accts.Researcher,
		Amount: amount,
		Memo:   verificationArtifact,
	})
	if err != nil {
		if pending, ok := ledger.PendingReceipt(err); ok {
			a.auditLogger().Warn("grant_unconfirmed", append(attrs,
				slog.String("receipt", pending.Reference),
				slog.String("substrate", pending.Substrate),
			)...)
			a.observe(OutcomeUnconfirmed, amount)
			return ledger.Receipt{}, err
		}
		a.auditLogger().Error("grant_failed", append(attrs, slog.Any("error", err))...)
		a.observe(OutcomeFailed, amount)
		return ledger.Receipt{}, err
	}

	a.auditLogger().Info("grant_released", append(attrs,
		slog.String("receipt", receipt.Reference),
		slog.String("substrate", receipt.Substrate),
	)...)
	a.observe(OutcomeReleased, amount)
	return receipt, nil
}

func (a *Authorizer) auditLogger() *slog.Logger {
	if a.audit != nil {
		return a.audit
	}
	return logger.Audit()
}

func (a *Authorizer) observe(outcome Outcome, amount uint64) {
	if a.recorder != nil {
		a.recorder.ObserveRelease(string(outcome), amount)
	}
}
