package payout

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/proofs"
	"BioScholar-Vault/pkg/logger"
)

// Request 描述一次放款提交。Authority 必须由调用边界验证后给出。
type Request struct {
	ID               string
	Vault            common.Address
	Researcher       common.Address
	Authority        proofs.Caller
	ScholarAgent     common.Address
	Amount           uint64
	VerificationHash string
	// Digest 为签名消息哈希（十六进制）。未指定 ID 时放款单 ID 由它派生，
	// 重放同一签名只会得到已有的放款单。
	Digest string
}

// Service 负责放款单的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造放款服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的放款单并推送到队列。相同 ID 的重复提交返回已有放款单，
// 但内容不一致时返回冲突。
func (s *Service) Submit(ctx context.Context, req Request) (*Payout, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "放款服务未初始化")
	}
	if req.Vault == (common.Address{}) || req.Researcher == (common.Address{}) {
		return nil, xerrors.New(CodePayoutValidation, "vault 与 researcher 不能为空")
	}

	var authority common.Address
	if req.Authority.Verified() {
		authority = req.Authority.Address()
	}

	digest := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.Digest), "0x"))
	payoutID := strings.TrimSpace(req.ID)
	if payoutID == "" {
		payoutID = digest
	}
	if payoutID != "" {
		existing, err := s.store.Get(ctx, payoutID)
		if err == nil {
			return sameRequest(existing, req, authority)
		}
		if !stdErrors.Is(err, ErrPayoutNotFound) {
			return nil, err
		}
	} else {
		payoutID = uuid.NewString()
	}

	payout := &Payout{
		ID:               payoutID,
		Vault:            req.Vault,
		Researcher:       req.Researcher,
		Authority:        authority,
		ScholarAgent:     req.ScholarAgent,
		Amount:           req.Amount,
		VerificationHash: req.VerificationHash,
		Digest:           digest,
		Status:           StatusPending,
		MaxRetries:       s.maxRetries,
	}
	if err := s.store.Create(ctx, payout); err != nil {
		if stdErrors.Is(err, ErrPayoutConflict) {
			existing, getErr := s.store.Get(ctx, payoutID)
			if getErr == nil {
				return sameRequest(existing, req, authority)
			}
			if !stdErrors.Is(getErr, ErrPayoutNotFound) {
				return nil, getErr
			}
			return nil, xerrors.Wrap(CodePayoutConflict, err, "签名已被其他放款单使用",
				xerrors.WithMetadata("digest", digest))
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, payoutID); err != nil {
		logger.L().Error("放款单入队失败", slog.Any("error", err), slog.String("payout_id", payoutID))
		wrapped := xerrors.Wrap(CodePayoutPublish, err, "发布放款单到队列失败")
		_ = s.store.MarkFailed(ctx, payoutID, CodePayoutPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("payout_queued",
		slog.String("payout_id", payoutID),
		slog.String("vault", payout.Vault.Hex()),
		slog.String("researcher", payout.Researcher.Hex()),
		slog.String("authority", req.Authority.String()),
		slog.Uint64("amount", payout.Amount),
		slog.String("verification_hash", payout.VerificationHash),
	)
	return payout, nil
}

func sameRequest(existing *Payout, req Request, authority common.Address) (*Payout, error) {
	digest := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.Digest), "0x"))
	if existing.Digest != digest ||
		existing.Vault != req.Vault ||
		existing.Researcher != req.Researcher ||
		existing.ScholarAgent != req.ScholarAgent ||
		existing.Authority != authority ||
		existing.Amount != req.Amount ||
		existing.VerificationHash != req.VerificationHash {
		return existing, xerrors.Wrap(CodePayoutConflict, ErrPayoutConflict, "放款单 ID 已被不同的请求使用",
			xerrors.WithMetadata("payout_id", existing.ID))
	}
	return existing, nil
}

// Get 返回指定放款单的状态。
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "放款存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的放款单列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Payout, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "放款存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的放款统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "放款存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到放款单进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Payout, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		payout, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if payout.Status.Terminal() {
			return payout, nil
		}
		select {
		case <-ctx.Done():
			return payout, ctx.Err()
		case <-ticker.C:
		}
	}
}
