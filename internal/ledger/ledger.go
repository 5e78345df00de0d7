// Package ledger defines the value-transfer substrate that grant releases are
// delegated to, together with an in-process implementation. Other substrates
// live next to the storage they use (storage/mysql, web3/ethereum).
package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "BioScholar-Vault/internal/errors"
)

const (
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeTransferFailure   xerrors.Code = "TRANSFER_FAILURE"
	// CodeTransferUnconfirmed marks a transfer that was broadcast but whose
	// outcome is not yet known. It must not be retried: the original may still apply.
	CodeTransferUnconfirmed xerrors.Code = "TRANSFER_UNCONFIRMED"
)

var (
	// ErrInsufficientFunds is returned when the source holds less than the amount.
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrTransferFailure matches every other substrate failure.
	ErrTransferFailure = xerrors.New(CodeTransferFailure, "transfer failed")
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "insufficient funds",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTransferFailure, xerrors.Attributes{
		Message:   "transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTransferUnconfirmed, xerrors.Attributes{
		Message:   "transfer not yet confirmed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// TransferRequest describes a single movement of value between two accounts.
type TransferRequest struct {
	From   common.Address
	To     common.Address
	Amount uint64
	// Memo is recorded alongside the transfer by substrates that support it.
	Memo string
}

// Receipt identifies an applied transfer on the substrate that executed it.
type Receipt struct {
	Reference   string `json:"reference"`
	Substrate   string `json:"substrate"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Fee         string `json:"fee,omitempty"`
	AppliedAt   int64  `json:"applied_at"`
}

// Transferer moves value atomically. Implementations serialize transfers that
// touch the same account and either apply a transfer fully or not at all.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
}

// BalanceReader reports the balance of an account in the base unit.
type BalanceReader interface {
	Balance(ctx context.Context, account common.Address) (uint64, error)
}

// ReceiptResolver looks up the outcome of a transfer reported as unconfirmed.
// Resolve returns a TRANSFER_UNCONFIRMED error while the outcome is unknown.
type ReceiptResolver interface {
	Resolve(ctx context.Context, reference string) (Receipt, error)
}

// Substrate is the full capability set exposed by ledger backends.
type Substrate interface {
	Transferer
	BalanceReader
}

// InsufficientFunds builds the error returned when a balance check fails.
func InsufficientFunds(account common.Address, balance, amount uint64) error {
	return xerrors.New(CodeInsufficientFunds,
		fmt.Sprintf("account %s holds %d, need %d", account.Hex(), balance, amount),
		xerrors.WithMetadata("account", account.Hex()),
	)
}

// TransferFailure wraps a substrate error that is not a balance shortfall.
func TransferFailure(cause error, message string) error {
	return xerrors.Wrap(CodeTransferFailure, cause, message)
}

// InsufficientFundsFrom wraps a substrate-side rejection whose cause is a
// balance shortfall reported by the remote system.
func InsufficientFundsFrom(cause error) error {
	return xerrors.Wrap(CodeInsufficientFunds, cause, "substrate rejected transfer for insufficient funds")
}

// TransferUnconfirmed reports a broadcast transfer whose receipt is pending.
// The reference identifies it on the substrate for later resolution.
func TransferUnconfirmed(cause error, substrate, reference string) error {
	return xerrors.Wrap(CodeTransferUnconfirmed, cause,
		fmt.Sprintf("transfer %s broadcast but not confirmed", reference),
		xerrors.WithMetadata("reference", reference),
		xerrors.WithMetadata("substrate", substrate),
	)
}

// PendingReceipt extracts the partial receipt carried by a TRANSFER_UNCONFIRMED error.
func PendingReceipt(err error) (Receipt, bool) {
	e, ok := xerrors.From(err)
	if !ok || e.Code() != CodeTransferUnconfirmed {
		return Receipt{}, false
	}
	meta := e.Metadata()
	reference := meta["reference"]
	if reference == "" {
		return Receipt{}, false
	}
	return Receipt{Reference: reference, Substrate: meta["substrate"]}, true
}
