package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
)

// SubstrateName 标识由 MySQL 账本生成的回执。
const SubstrateName = "mysql"

const (
	upsertAccountSQL = `INSERT INTO ledger_accounts (address, balance, closed, created_at, updated_at)
        VALUES (?, ?, 0, ?, ?)
        ON DUPLICATE KEY UPDATE balance = VALUES(balance), closed = 0, updated_at = VALUES(updated_at)`
	seedAccountSQL   = `INSERT IGNORE INTO ledger_accounts (address, balance, closed, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`
	closeAccountSQL   = `UPDATE ledger_accounts SET closed = 1, updated_at = ? WHERE address = ?`
	selectBalanceSQL  = `SELECT balance FROM ledger_accounts WHERE address = ?`
	ensureAccountSQL  = `INSERT IGNORE INTO ledger_accounts (address, balance, closed, created_at, updated_at) VALUES (?, 0, 0, ?, ?)`
	lockAccountsSQL   = `SELECT address, balance, closed FROM ledger_accounts WHERE address IN (?, ?) ORDER BY address FOR UPDATE`
	lockAccountSQL    = `SELECT address, balance, closed FROM ledger_accounts WHERE address IN (?) ORDER BY address FOR UPDATE`
	debitAccountSQL   = `UPDATE ledger_accounts SET balance = balance - ?, updated_at = ? WHERE address = ?`
	creditAccountSQL  = `UPDATE ledger_accounts SET balance = balance + ?, updated_at = ? WHERE address = ?`
	insertTransferSQL = `INSERT INTO ledger_transfers (reference, from_address, to_address, amount, memo, applied_at)
        VALUES (?, ?, ?, ?, ?, ?)`
)

// Ledger 在 MySQL 中维护账户余额，每笔转账在一个事务内完成。
type Ledger struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewLedger 基于已迁移的连接池创建账本。
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now, newID: uuid.NewString}
}

// Open 开户或重置账户余额，用于初始化托管账户与测试数据。
func (l *Ledger) Open(ctx context.Context, account common.Address, balance uint64) error {
	now := l.now().Unix()
	if _, err := l.db.ExecContext(ctx, upsertAccountSQL, account.Hex(), balance, now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户失败")
	}
	return nil
}

// Seed 仅在账户不存在时按初始余额开户，返回是否新建。已有账户（包括余额为 0
// 的账户）保持不变，重启时不会重复注资。
func (l *Ledger) Seed(ctx context.Context, account common.Address, balance uint64) (bool, error) {
	now := l.now().Unix()
	res, err := l.db.ExecContext(ctx, seedAccountSQL, account.Hex(), balance, now, now)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化账户失败")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return rows > 0, nil
}

// Close 冻结账户，之后涉及该账户的转账都会失败。
func (l *Ledger) Close(ctx context.Context, account common.Address) error {
	res, err := l.db.ExecContext(ctx, closeAccountSQL, l.now().Unix(), account.Hex())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "冻结账户失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("account %s not found", account.Hex()))
	}
	return nil
}

// Balance 实现 ledger.BalanceReader，未开户的账户余额为 0。
func (l *Ledger) Balance(ctx context.Context, account common.Address) (uint64, error) {
	var balance uint64
	err := l.db.QueryRowContext(ctx, selectBalanceSQL, account.Hex()).Scan(&balance)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	return balance, nil
}

type lockedAccount struct {
	balance uint64
	closed  bool
}

// Transfer 实现 ledger.Transferer。事务内只有一条按地址排序的 FOR UPDATE 取锁；
// 目标账户在事务外以自动提交方式创建，不会先于排序锁持有任何行锁。
// 死锁与锁等待超时由 MySQL 回滚整个事务，返回可重试的错误。
func (l *Ledger) Transfer(ctx context.Context, req ledger.TransferRequest) (receipt ledger.Receipt, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ledger.Receipt{}, ledger.TransferFailure(ctxErr, "transfer cancelled")
	}

	now := l.now().Unix()
	from, to := req.From.Hex(), req.To.Hex()

	// 零余额的空账户即使转账失败留下也不影响余额语义。
	if req.From != req.To {
		if _, err = l.db.ExecContext(ctx, ensureAccountSQL, to, now, now); err != nil {
			return ledger.Receipt{}, transferFailure(err, "创建目标账户失败")
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, transferFailure(err, "开启转账事务失败")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var rows *sql.Rows
	if req.From == req.To {
		rows, err = tx.QueryContext(ctx, lockAccountSQL, from)
	} else {
		rows, err = tx.QueryContext(ctx, lockAccountsSQL, from, to)
	}
	if err != nil {
		return ledger.Receipt{}, transferFailure(err, "锁定账户失败")
	}
	locked, err := scanLockedAccounts(rows)
	if err != nil {
		return ledger.Receipt{}, transferFailure(err, "读取账户失败")
	}

	source, ok := locked[from]
	if !ok {
		err = ledger.TransferFailure(nil, fmt.Sprintf("source account %s not found", from))
		return ledger.Receipt{}, err
	}
	if source.closed {
		err = ledger.TransferFailure(nil, fmt.Sprintf("source account %s is closed", from))
		return ledger.Receipt{}, err
	}
	dest := locked[to]
	if dest.closed {
		err = ledger.TransferFailure(nil, fmt.Sprintf("destination account %s is closed", to))
		return ledger.Receipt{}, err
	}
	if source.balance < req.Amount {
		err = ledger.InsufficientFunds(req.From, source.balance, req.Amount)
		return ledger.Receipt{}, err
	}

	if req.From != req.To && req.Amount > 0 {
		if dest.balance > math.MaxUint64-req.Amount {
			err = ledger.TransferFailure(nil, fmt.Sprintf("destination account %s would overflow", to))
			return ledger.Receipt{}, err
		}
		if _, err = tx.ExecContext(ctx, debitAccountSQL, req.Amount, now, from); err != nil {
			return ledger.Receipt{}, transferFailure(err, "扣减余额失败")
		}
		if _, err = tx.ExecContext(ctx, creditAccountSQL, req.Amount, now, to); err != nil {
			return ledger.Receipt{}, transferFailure(err, "增加余额失败")
		}
	}

	reference := l.newID()
	if _, err = tx.ExecContext(ctx, insertTransferSQL, reference, from, to, req.Amount, req.Memo, now); err != nil {
		return ledger.Receipt{}, transferFailure(err, "写入转账流水失败")
	}
	if err = tx.Commit(); err != nil {
		return ledger.Receipt{}, transferFailure(err, "提交转账事务失败")
	}
	return ledger.Receipt{Reference: reference, Substrate: SubstrateName, AppliedAt: now}, nil
}

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// transferFailure 包装转账错误；死锁和锁等待超时时事务已整体回滚，可以安全重试。
func transferFailure(err error, message string) error {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) && (mysqlErr.Number == errDeadlock || mysqlErr.Number == errLockWaitTimeout) {
		return xerrors.Wrap(ledger.CodeTransferFailure, err, message,
			xerrors.WithRetryable(true),
			xerrors.WithSeverity(xerrors.SeverityWarning),
			xerrors.WithMetadata("mysql_error", fmt.Sprint(mysqlErr.Number)),
		)
	}
	return ledger.TransferFailure(err, message)
}

func scanLockedAccounts(rows *sql.Rows) (map[string]lockedAccount, error) {
	defer rows.Close()
	locked := make(map[string]lockedAccount, 2)
	for rows.Next() {
		var (
			address string
			acct    lockedAccount
			closed  int
		)
		if err := rows.Scan(&address, &acct.balance, &closed); err != nil {
			return nil, err
		}
		acct.closed = closed == 1
		locked[common.HexToAddress(address).Hex()] = acct
	}
	return locked, rows.Err()
}

var _ ledger.Substrate = (*Ledger)(nil)
