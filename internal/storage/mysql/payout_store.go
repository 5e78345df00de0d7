package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/payout"
)

const payoutColumns = `id, vault, researcher, authority, scholar_agent, amount, verification_hash, digest, status, attempts, max_retries,
        last_error, error_code, receipt_reference, receipt_substrate, receipt_block, receipt_fee, receipt_applied_at, created_at, updated_at`

const (
	insertPayoutSQL = `INSERT INTO payouts
        (id, vault, researcher, authority, scholar_agent, amount, verification_hash, digest, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	selectPayoutSQL = `SELECT ` + payoutColumns + ` FROM payouts WHERE id = ?`
	claimPayoutSQL  = `UPDATE payouts SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`
	releasePayoutSQL = `UPDATE payouts SET status = ?, receipt_reference = ?, receipt_substrate = ?, receipt_block = ?, receipt_fee = ?,
        receipt_applied_at = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	finishPayoutSQL = `UPDATE payouts SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	// 只在 running 状态下登记待确认的交易引用。
	unconfirmedPayoutSQL = `UPDATE payouts SET receipt_reference = ?, receipt_substrate = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	statsPayoutSQL  = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS released,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS rejected,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        CAST(COALESCE(SUM(CASE WHEN status = ? THEN amount ELSE 0 END), 0) AS CHAR) AS released_amount,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM payouts`
)

// PayoutStore 使用 MySQL 记录放款单状态，与账本共用连接池。
type PayoutStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPayoutStore 基于已迁移的连接池创建放款存储。
func NewPayoutStore(db *sql.DB) *PayoutStore {
	return &PayoutStore{db: db, now: time.Now}
}

// Create 插入新的放款单；ID 或签名摘要重复时返回 ErrPayoutConflict。
func (s *PayoutStore) Create(ctx context.Context, p *payout.Payout) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "payout 不能为空")
	}
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "放款单 ID 不能为空")
	}

	now := s.now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, insertPayoutSQL,
		p.ID,
		p.Vault.Hex(),
		p.Researcher.Hex(),
		p.Authority.Hex(),
		p.ScholarAgent.Hex(),
		p.Amount,
		p.VerificationHash,
		sql.NullString{String: p.Digest, Valid: p.Digest != ""},
		string(p.Status),
		p.Attempts,
		p.MaxRetries,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return payout.ErrPayoutConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入放款单失败")
	}
	return nil
}

// Get 查询指定放款单。
func (s *PayoutStore) Get(ctx context.Context, id string) (*payout.Payout, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx, selectPayoutSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, payout.ErrPayoutNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询放款单失败")
	}
	return p, nil
}

// Claim 以条件更新领取 pending 放款单，多个处理器实例同时领取时只有一个成功。
func (s *PayoutStore) Claim(ctx context.Context, id string) (*payout.Payout, error) {
	res, err := s.db.ExecContext(ctx, claimPayoutSQL,
		string(payout.StatusRunning),
		s.now().Unix(),
		id,
		string(payout.StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取放款单失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return current, nil
	}
	switch {
	case current.Status.Terminal():
		return current, payout.ErrPayoutCompleted
	case current.Status == payout.StatusRunning:
		return current, payout.ErrPayoutConflict
	case current.Attempts >= current.MaxRetries:
		return current, payout.ErrPayoutExhausted
	default:
		return current, payout.ErrPayoutConflict
	}
}

// MarkReleased 记录转账回执。
func (s *PayoutStore) MarkReleased(ctx context.Context, id string, receipt ledger.Receipt) error {
	res, err := s.db.ExecContext(ctx, releasePayoutSQL,
		string(payout.StatusReleased),
		receipt.Reference,
		receipt.Substrate,
		receipt.BlockNumber,
		receipt.Fee,
		receipt.AppliedAt,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录放款回执失败")
	}
	return requireAffected(res)
}

// MarkRejected 标记放款被拒绝。
func (s *PayoutStore) MarkRejected(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	return s.finish(ctx, id, payout.StatusRejected, code, lastError)
}

// MarkFailed 标记放款失败；非终态时回到 pending 等待重试。
func (s *PayoutStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := payout.StatusPending
	if terminal {
		status = payout.StatusFailed
	}
	return s.finish(ctx, id, status, code, lastError)
}

// MarkUnconfirmed 登记已广播但未确认的转账，放款单保持 running 等待对账。
func (s *PayoutStore) MarkUnconfirmed(ctx context.Context, id string, pending ledger.Receipt, code xerrors.Code, lastError string) error {
	res, err := s.db.ExecContext(ctx, unconfirmedPayoutSQL,
		pending.Reference,
		pending.Substrate,
		lastError,
		string(code),
		s.now().Unix(),
		id,
		string(payout.StatusRunning),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记待确认转账失败")
	}
	return requireAffected(res)
}

func (s *PayoutStore) finish(ctx context.Context, id string, status payout.Status, code xerrors.Code, lastError string) error {
	res, err := s.db.ExecContext(ctx, finishPayoutSQL, string(status), lastError, string(code), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新放款状态失败")
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	if rows, _ := res.RowsAffected(); rows == 0 {
		return payout.ErrPayoutNotFound
	}
	return nil
}

// List 返回符合条件的放款单。
func (s *PayoutStore) List(ctx context.Context, opts payout.ListOptions) ([]*payout.Payout, error) {
	opts.ApplyDefaults()

	query := `SELECT ` + payoutColumns + ` FROM payouts`
	clause, filterArgs := buildPayoutFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == payout.SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询放款列表失败")
	}
	defer rows.Close()

	payouts := make([]*payout.Payout, 0, opts.Limit)
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析放款记录失败")
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历放款记录失败")
	}
	return payouts, nil
}

// Stats 返回符合过滤条件的放款聚合信息。
func (s *PayoutStore) Stats(ctx context.Context, opts payout.ListOptions) (payout.Stats, error) {
	opts.ApplyDefaults()

	query := statsPayoutSQL
	clause, filterArgs := buildPayoutFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(payout.StatusPending),
		string(payout.StatusRunning),
		string(payout.StatusReleased),
		string(payout.StatusRejected),
		string(payout.StatusFailed),
		string(payout.StatusReleased),
	}
	args = append(args, filterArgs...)

	var (
		stats    payout.Stats
		released string
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Released,
		&stats.Rejected,
		&stats.Failed,
		&released,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return payout.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询放款统计失败")
	}
	stats.ReleasedAmount = parseSaturatedAmount(released)
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 由连接池的持有者关闭数据库，这里无需操作。
func (s *PayoutStore) Close() error {
	return nil
}

// parseSaturatedAmount 解析 DECIMAL 求和结果，超出 uint64 时饱和。
func parseSaturatedAmount(raw string) uint64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if stdErrors.As(err, &numErr) && stdErrors.Is(numErr.Err, strconv.ErrRange) {
			return math.MaxUint64
		}
		return 0
	}
	return value
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayout(row rowScanner) (*payout.Payout, error) {
	var (
		p                                           payout.Payout
		vault, researcher, authority, agent, status string
		lastError, digest                           sql.NullString
		reference, substrate, fee                   string
		block                                       uint64
		appliedAt                                   int64
	)
	if err := row.Scan(
		&p.ID,
		&vault,
		&researcher,
		&authority,
		&agent,
		&p.Amount,
		&p.VerificationHash,
		&digest,
		&status,
		&p.Attempts,
		&p.MaxRetries,
		&lastError,
		&p.ErrorCode,
		&reference,
		&substrate,
		&block,
		&fee,
		&appliedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Vault = common.HexToAddress(vault)
	p.Researcher = common.HexToAddress(researcher)
	p.Authority = common.HexToAddress(authority)
	p.ScholarAgent = common.HexToAddress(agent)
	p.Status = payout.Status(status)
	p.LastError = lastError.String
	p.Digest = digest.String
	if reference != "" {
		p.Receipt = &ledger.Receipt{
			Reference:   reference,
			Substrate:   substrate,
			BlockNumber: block,
			Fee:         fee,
			AppliedAt:   appliedAt,
		}
	}
	return &p, nil
}

func buildPayoutFilter(opts payout.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasReceipt != nil {
		if *opts.HasReceipt {
			conditions = append(conditions, "receipt_reference <> ''")
		} else {
			conditions = append(conditions, "receipt_reference = ''")
		}
	}
	if opts.Researcher != nil {
		conditions = append(conditions, "researcher = ?")
		args = append(args, opts.Researcher.Hex())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ payout.Store = (*PayoutStore)(nil)
