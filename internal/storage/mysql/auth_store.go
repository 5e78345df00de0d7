package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"BioScholar-Vault/internal/auth"
)

const (
	selectOperatorByNameSQL = `SELECT id, username, password_hash, disabled FROM operators WHERE username = ?`
	selectOperatorByIDSQL   = `SELECT id, username, disabled FROM operators WHERE id = ?`
	selectPermissionsSQL    = `SELECT permission FROM operator_permissions WHERE operator_id = ? ORDER BY permission`
	upsertOperatorSQL       = `INSERT INTO operators (username, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	clearPermissionsSQL = `DELETE FROM operator_permissions WHERE operator_id = ?`
	grantPermissionSQL  = `INSERT IGNORE INTO operator_permissions (operator_id, permission, granted_at) VALUES (?, ?, ?)`
)

// OperatorStore persists API operators and their permissions in MySQL.
type OperatorStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOperatorStore wraps an already migrated connection pool.
func NewOperatorStore(db *sql.DB) *OperatorStore {
	return &OperatorStore{db: db, now: time.Now}
}

// FindUserByUsername implements auth.Store.
func (s *OperatorStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, selectOperatorByNameSQL, strings.TrimSpace(username))
	var user auth.User
	var disabled int
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrOperatorNotFound
		}
		return nil, fmt.Errorf("查询账号失败: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject loads the operator with its permissions.
func (s *OperatorStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	row := s.db.QueryRowContext(ctx, selectOperatorByIDSQL, userID)
	var subject auth.Subject
	var disabled int
	if err := row.Scan(&subject.ID, &subject.Username, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrOperatorNotFound
		}
		return nil, fmt.Errorf("查询账号信息失败: %w", err)
	}
	subject.Disabled = disabled == 1

	rows, err := s.db.QueryContext(ctx, selectPermissionsSQL, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("查询权限失败: %w", err)
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return nil, fmt.Errorf("解析权限失败: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历权限失败: %w", err)
	}
	subject.Permissions = auth.NormalisePermissions(perms)
	return &subject, nil
}

// ApplySeed upserts a configured operator and replaces its permissions.
func (s *OperatorStore) ApplySeed(ctx context.Context, seed auth.Seed) (err error) {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启种子事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, upsertOperatorSQL, username, passwordHash, boolToInt(seed.Disabled), now, now)
	if err != nil {
		return fmt.Errorf("保存账号失败: %w", err)
	}
	operatorID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取账号ID失败: %w", err)
	}
	if _, err = tx.ExecContext(ctx, clearPermissionsSQL, operatorID); err != nil {
		return fmt.Errorf("清理账号权限失败: %w", err)
	}
	for _, perm := range auth.NormalisePermissions(seed.Permissions) {
		if _, err = tx.ExecContext(ctx, grantPermissionSQL, operatorID, perm, now); err != nil {
			return fmt.Errorf("绑定账号权限失败: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交种子数据失败: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ auth.Store      = (*OperatorStore)(nil)
	_ auth.SeedWriter = (*OperatorStore)(nil)
)
