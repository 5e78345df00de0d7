package payout

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/grant"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/observability/alerting"
	"BioScholar-Vault/internal/proofs"
	"BioScholar-Vault/pkg/logger"
)

// Releaser 是处理器依赖的放款核心能力，由 grant.Authorizer 实现。
type Releaser interface {
	ReleaseGrant(ctx context.Context, amount uint64, verificationArtifact string, accts grant.Accounts) (ledger.Receipt, error)
}

// Processor 负责从队列消费放款单并交给授权核心执行。
type Processor struct {
	releaser    Releaser
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	resolver       ledger.ReceiptResolver
	reconcileEvery time.Duration
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithReceiptResolver 启用对账：按 interval 查询待确认转账的最终结果。
func WithReceiptResolver(resolver ledger.ReceiptResolver, interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.resolver = resolver
		if interval > 0 {
			p.reconcileEvery = interval
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(releaser Releaser, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		releaser:    releaser,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,

		reconcileEvery: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动放款处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置放款消费者")
	}
	if p.resolver != nil {
		go p.reconcileLoop(ctx)
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reconcileEvery)
	defer ticker.Stop()
	for {
		if _, err := p.Reconcile(ctx); err != nil && ctx.Err() == nil {
			logger.L().Error("放款对账失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile 查询所有待确认转账的结果并完结对应的放款单，返回本轮完结的数量。
// 结果仍未知的放款单保持 running，留给下一轮。
func (p *Processor) Reconcile(ctx context.Context) (int, error) {
	if p.resolver == nil || p.store == nil {
		return 0, nil
	}
	const batch = 100
	settled, skipped := 0, 0
	for {
		pending, err := p.store.List(ctx, BuildListOptions(
			WithStatuses(StatusRunning),
			WithReceiptPresence(true),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(batch),
			WithOffset(skipped),
		))
		if err != nil {
			return settled, err
		}
		for _, payout := range pending {
			if p.settle(ctx, payout) {
				settled++
			} else {
				skipped++
			}
		}
		if len(pending) < batch {
			return settled, nil
		}
	}
}

func (p *Processor) settle(ctx context.Context, payout *Payout) bool {
	if payout.Receipt == nil || payout.ErrorCode != string(ledger.CodeTransferUnconfirmed) {
		return false
	}
	receipt, err := p.resolver.Resolve(ctx, payout.Receipt.Reference)
	switch {
	case err == nil:
		if storeErr := p.store.MarkReleased(ctx, payout.ID, receipt); storeErr != nil {
			logger.L().Error("记录对账结果失败", slog.Any("error", storeErr), slog.String("payout_id", payout.ID))
			return false
		}
		logger.Audit().Info("payout_reconciled",
			slog.String("payout_id", payout.ID),
			slog.String("receipt", receipt.Reference),
			slog.Uint64("block", receipt.BlockNumber),
		)
		return true
	case xerrors.CodeOf(err) == ledger.CodeTransferUnconfirmed:
		p.logDebug("转账仍未确认", slog.String("payout_id", payout.ID), slog.String("receipt", payout.Receipt.Reference))
		return false
	default:
		code := xerrors.CodeOf(err)
		if storeErr := p.store.MarkFailed(ctx, payout.ID, code, err.Error(), true); storeErr != nil {
			logger.L().Error("标记放款失败状态出错", slog.Any("error", storeErr), slog.String("payout_id", payout.ID))
			return false
		}
		logger.Audit().Warn("payout_failed",
			slog.String("payout_id", payout.ID),
			slog.Bool("terminal", true),
			slog.String("error", err.Error()),
			slog.String("error_code", string(code)),
		)
		p.emitAlert(ctx, payout, code, err, "reconcile")
		return true
	}
}

func (p *Processor) handle(ctx context.Context, payoutID string) error {
	if p.store == nil || p.releaser == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	payout, err := p.store.Claim(ctx, payoutID)
	if err != nil {
		if stdErrors.Is(err, ErrPayoutNotFound) ||
			stdErrors.Is(err, ErrPayoutCompleted) ||
			stdErrors.Is(err, ErrPayoutExhausted) ||
			stdErrors.Is(err, ErrPayoutConflict) {
			p.logDebug("跳过放款单", slog.String("payout_id", payoutID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取放款单失败", slog.Any("error", err), slog.String("payout_id", payoutID))
		p.emitAlert(ctx, &Payout{ID: payoutID}, CodePayoutProcessing, err, "claim")
		return err
	}

	receipt, relErr := p.releaser.ReleaseGrant(ctx, payout.Amount, payout.VerificationHash, accountsOf(payout))
	if relErr != nil {
		if xerrors.CodeOf(relErr) == grant.CodeUnauthorized {
			return p.handleRejection(ctx, payout, relErr)
		}
		if pending, ok := ledger.PendingReceipt(relErr); ok {
			return p.handleUnconfirmed(ctx, payout, pending, relErr)
		}
		return p.handleFailure(ctx, payout, relErr)
	}

	if err := p.store.MarkReleased(ctx, payout.ID, receipt); err != nil {
		// 资金已经转出：放款单保持 running，不再重投，避免重复放款。
		wrapped := xerrors.Wrap(CodePayoutRecord, err, fmt.Sprintf("放款单 %s 已转账但回写失败", payout.ID),
			xerrors.WithMetadata("receipt", receipt.Reference))
		logger.L().Error("记录放款结果失败", slog.Any("error", wrapped), slog.String("payout_id", payout.ID))
		p.emitAlert(ctx, payout, CodePayoutRecord, wrapped, "record")
		return wrapped
	}
	p.logDebug("放款完成", slog.String("payout_id", payout.ID), slog.String("receipt", receipt.Reference))
	return nil
}

func accountsOf(p *Payout) grant.Accounts {
	var authority proofs.Caller
	if p.Authority != (common.Address{}) {
		authority = proofs.TrustedCaller(p.Authority)
	}
	return grant.Accounts{
		Vault:        p.Vault,
		Researcher:   p.Researcher,
		Authority:    authority,
		ScholarAgent: p.ScholarAgent,
	}
}

func (p *Processor) handleRejection(ctx context.Context, payout *Payout, relErr error) error {
	if err := p.store.MarkRejected(ctx, payout.ID, grant.CodeUnauthorized, relErr.Error()); err != nil {
		logger.L().Error("标记放款拒绝状态出错", slog.Any("error", err), slog.String("payout_id", payout.ID))
		return err
	}
	if xerrors.ShouldAlert(relErr) {
		p.emitAlert(ctx, payout, grant.CodeUnauthorized, relErr, "rejected")
	}
	return nil
}

// handleUnconfirmed 记录已广播的转账；放款单不重投，等待对账。
func (p *Processor) handleUnconfirmed(ctx context.Context, payout *Payout, pending ledger.Receipt, relErr error) error {
	if err := p.store.MarkUnconfirmed(ctx, payout.ID, pending, ledger.CodeTransferUnconfirmed, relErr.Error()); err != nil {
		wrapped := xerrors.Wrap(CodePayoutRecord, err, fmt.Sprintf("放款单 %s 已广播但回写失败", payout.ID),
			xerrors.WithMetadata("receipt", pending.Reference))
		logger.L().Error("记录待确认转账失败", slog.Any("error", wrapped), slog.String("payout_id", payout.ID))
		p.emitAlert(ctx, payout, CodePayoutRecord, wrapped, "record")
		return wrapped
	}
	logger.Audit().Warn("payout_unconfirmed",
		slog.String("payout_id", payout.ID),
		slog.String("receipt", pending.Reference),
		slog.String("substrate", pending.Substrate),
	)
	p.emitAlert(ctx, payout, ledger.CodeTransferUnconfirmed, relErr, "unconfirmed")
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, payout *Payout, relErr error) error {
	code := xerrors.CodeOf(relErr)
	if code == xerrors.CodeUnknown {
		code = CodePayoutProcessing
	}
	retryable := xerrors.RetryableError(relErr)
	terminal := payout.Attempts >= payout.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, payout.ID, code, relErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记放款失败状态出错", slog.Any("error", storeErr), slog.String("payout_id", payout.ID))
		return storeErr
	}
	logger.Audit().Warn("payout_failed",
		slog.String("payout_id", payout.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", relErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", payout.Attempts),
		slog.Int("max_retries", payout.MaxRetries),
	)

	stage := "retry"
	if !retryable {
		stage = "non_retryable"
	} else if terminal {
		stage = "terminal"
	}
	if terminal || xerrors.ShouldAlert(relErr) {
		p.emitAlert(ctx, payout, code, relErr, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, payout.ID); pubErr != nil {
			wrapped := xerrors.Wrap(CodePayoutPublish, pubErr, fmt.Sprintf("放款单 %s 重投失败", payout.ID))
			_ = p.store.MarkFailed(ctx, payout.ID, CodePayoutPublish, wrapped.Error(), true)
			p.emitAlert(ctx, payout, CodePayoutPublish, wrapped, "requeue")
			return wrapped
		}
		p.logDebug("放款单已重新排队", slog.String("payout_id", payout.ID), slog.Int("attempts", payout.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, payout *Payout, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || payout == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	if payout.Amount > 0 {
		metadata["amount"] = strconv.FormatUint(payout.Amount, 10)
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(cause),
		PayoutID:   payout.ID,
		Attempts:   payout.Attempts,
		MaxRetries: payout.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if cause == nil {
		event.Severity = attrs.Severity
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("payout_id", payout.ID),
			slog.String("stage", stage),
		)
	}
}
