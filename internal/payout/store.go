package payout

import (
	"context"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
)

// Store 抽象了放款单状态的持久化接口。
//
// Claim 只能从 pending 领取；MarkFailed 在非终态时把放款单放回 pending。
// MarkUnconfirmed 只登记交易引用，放款单保持 running，等待对账给出结果。
type Store interface {
	Create(ctx context.Context, payout *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	Claim(ctx context.Context, id string) (*Payout, error)
	MarkReleased(ctx context.Context, id string, receipt ledger.Receipt) error
	MarkRejected(ctx context.Context, id string, code xerrors.Code, lastError string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	MarkUnconfirmed(ctx context.Context, id string, pending ledger.Receipt, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Payout, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
