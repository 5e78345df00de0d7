package payout

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
)

// MemoryStore 以内存方式保存放款单状态，用于单机部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	payouts map[string]*Payout
	digests map[string]string
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts: make(map[string]*Payout),
		digests: make(map[string]string),
		now:     time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, payout *Payout) error {
	if payout == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "payout 不能为空")
	}
	if strings.TrimSpace(payout.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "放款单 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payouts[payout.ID]; ok {
		return ErrPayoutConflict
	}
	if payout.Digest != "" {
		if _, ok := m.digests[payout.Digest]; ok {
			return ErrPayoutConflict
		}
		m.digests[payout.Digest] = payout.ID
	}
	now := m.now().Unix()
	if payout.CreatedAt == 0 {
		payout.CreatedAt = now
	}
	payout.UpdatedAt = now
	m.payouts[payout.ID] = payout.Clone()
	return nil
}

// Get 返回放款单。
func (m *MemoryStore) Get(_ context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payout, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return payout.Clone(), nil
}

// Claim 将 pending 状态的放款单更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payout, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	switch {
	case payout.Status.Terminal():
		return payout.Clone(), ErrPayoutCompleted
	case payout.Status == StatusRunning:
		return payout.Clone(), ErrPayoutConflict
	case payout.Attempts >= payout.MaxRetries:
		return payout.Clone(), ErrPayoutExhausted
	}
	payout.Status = StatusRunning
	payout.Attempts++
	payout.LastError = ""
	payout.ErrorCode = ""
	payout.UpdatedAt = m.now().Unix()
	return payout.Clone(), nil
}

// MarkReleased 记录转账回执。
func (m *MemoryStore) MarkReleased(_ context.Context, id string, receipt ledger.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payout, ok := m.payouts[id]
	if !ok {
		return ErrPayoutNotFound
	}
	payout.Status = StatusReleased
	payout.Receipt = &receipt
	payout.LastError = ""
	payout.ErrorCode = ""
	payout.UpdatedAt = m.now().Unix()
	return nil
}

// MarkRejected 标记放款被授权检查拒绝。
func (m *MemoryStore) MarkRejected(_ context.Context, id string, code xerrors.Code, lastError string) error {
	return m.finish(id, StatusRejected, code, lastError)
}

// MarkFailed 标记放款失败；非终态时回到 pending 等待重试。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	return m.finish(id, status, code, lastError)
}

// MarkUnconfirmed 登记已广播但未确认的转账引用。
func (m *MemoryStore) MarkUnconfirmed(_ context.Context, id string, pending ledger.Receipt, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payout, ok := m.payouts[id]
	if !ok {
		return ErrPayoutNotFound
	}
	if payout.Status != StatusRunning {
		return ErrPayoutConflict
	}
	payout.Receipt = &pending
	payout.LastError = lastError
	payout.ErrorCode = string(code)
	payout.UpdatedAt = m.now().Unix()
	return nil
}

func (m *MemoryStore) finish(id string, status Status, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payout, ok := m.payouts[id]
	if !ok {
		return ErrPayoutNotFound
	}
	payout.Status = status
	payout.LastError = lastError
	payout.ErrorCode = string(code)
	payout.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合条件的放款单。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Payout, error) {
	opts.ApplyDefaults()

	m.mu.RLock()
	results := make([]*Payout, 0, len(m.payouts))
	for _, payout := range m.payouts {
		if opts.Matches(payout) {
			results = append(results, payout.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Payout{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的放款单数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.ApplyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, payout := range m.payouts {
		if opts.Matches(payout) {
			stats.Add(payout)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
