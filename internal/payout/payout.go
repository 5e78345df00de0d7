package payout

import (
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
)

// Status 表示放款单在生命周期中的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusReleased Status = "released"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Terminal 报告状态是否已经结束，不会再被处理器领取。
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRejected || s == StatusFailed
}

// Payout 描述一次排队执行的拨款释放。
type Payout struct {
	ID         string         `json:"id"`
	Vault      common.Address `json:"vault"`
	Researcher common.Address `json:"researcher"`
	// Authority 为零地址表示提交时没有经过签名验证的调用方。
	Authority        common.Address  `json:"authority"`
	ScholarAgent     common.Address  `json:"scholar_agent"`
	Amount           uint64          `json:"amount"`
	VerificationHash string          `json:"verification_hash"`
	// Digest 是签名放款消息的哈希，同一签名只能对应一个放款单。
	Digest           string          `json:"digest,omitempty"`
	Status           Status          `json:"status"`
	Attempts         int             `json:"attempts"`
	MaxRetries       int             `json:"max_retries"`
	LastError        string          `json:"last_error,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	Receipt          *ledger.Receipt `json:"receipt,omitempty"`
	CreatedAt        int64           `json:"created_at"`
	UpdatedAt        int64           `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *Payout) Clone() *Payout {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Receipt != nil {
		receipt := *p.Receipt
		clone.Receipt = &receipt
	}
	return &clone
}

const (
	CodePayoutNotFound   xerrors.Code = "PAYOUT_NOT_FOUND"
	CodePayoutConflict   xerrors.Code = "PAYOUT_CONFLICT"
	CodePayoutCompleted  xerrors.Code = "PAYOUT_COMPLETED"
	CodePayoutExhausted  xerrors.Code = "PAYOUT_RETRIES_EXHAUSTED"
	CodePayoutValidation xerrors.Code = "PAYOUT_VALIDATION_FAILED"
	CodePayoutPublish    xerrors.Code = "PAYOUT_PUBLISH_FAILED"
	CodePayoutProcessing xerrors.Code = "PAYOUT_PROCESSING_FAILED"
	CodePayoutRecord     xerrors.Code = "PAYOUT_RECORD_FAILED"
)

var (
	// ErrPayoutNotFound 表示指定的放款单不存在。
	ErrPayoutNotFound = xerrors.New(CodePayoutNotFound, "payout not found")
	// ErrPayoutConflict 表示放款单在当前状态下无法进行所请求的操作。
	ErrPayoutConflict = xerrors.New(CodePayoutConflict, "payout conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrPayoutCompleted 表示放款单已经结束。
	ErrPayoutCompleted = xerrors.New(CodePayoutCompleted, "payout already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrPayoutExhausted 表示重试次数已经耗尽。
	ErrPayoutExhausted = xerrors.New(CodePayoutExhausted, "payout retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func init() {
	xerrors.Register(CodePayoutNotFound, xerrors.Attributes{
		Message:  "payout not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePayoutConflict, xerrors.Attributes{
		Message:  "payout conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePayoutCompleted, xerrors.Attributes{
		Message:  "payout already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePayoutExhausted, xerrors.Attributes{
		Message:  "payout retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodePayoutValidation, xerrors.Attributes{
		Message:  "payout validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePayoutPublish, xerrors.Attributes{
		Message:   "failed to publish payout",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodePayoutProcessing, xerrors.Attributes{
		Message:   "payout processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodePayoutRecord, xerrors.Attributes{
		Message:  "released payout could not be recorded",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsPayoutError 判断错误是否为指定的放款错误。
func IsPayoutError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrPayoutNotFound):
		return target == CodePayoutNotFound
	case stdErrors.Is(err, ErrPayoutConflict):
		return target == CodePayoutConflict
	case stdErrors.Is(err, ErrPayoutCompleted):
		return target == CodePayoutCompleted
	case stdErrors.Is(err, ErrPayoutExhausted):
		return target == CodePayoutExhausted
	}
	return false
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusReleased, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}
