package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "BioScholar-Vault/internal/errors"
)

// JournalEntry records one applied transfer of a MemoryLedger.
type JournalEntry struct {
	Reference string
	From      common.Address
	To        common.Address
	Amount    uint64
	Memo      string
	AppliedAt int64
}

type memoryAccount struct {
	balance uint64
	closed  bool
}

// MemoryLedger keeps balances in process memory. A single mutex serializes
// every mutation so a transfer is observed either fully applied or not at all.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[common.Address]*memoryAccount
	journal  []JournalEntry
	seq      uint64
	now      func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[common.Address]*memoryAccount),
		now:      time.Now,
	}
}

// Open creates or reopens an account with the given balance.
func (l *MemoryLedger) Open(account common.Address, balance uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[account] = &memoryAccount{balance: balance}
}

// Close marks an account as closed; transfers touching it fail afterwards.
func (l *MemoryLedger) Close(account common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[account]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("account %s not found", account.Hex()))
	}
	acct.closed = true
	return nil
}

// Deposit credits an account, creating it when missing.
func (l *MemoryLedger) Deposit(account common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[account]
	if !ok {
		acct = &memoryAccount{}
		l.accounts[account] = acct
	}
	if acct.closed {
		return TransferFailure(nil, fmt.Sprintf("account %s is closed", account.Hex()))
	}
	if acct.balance > math.MaxUint64-amount {
		return TransferFailure(nil, fmt.Sprintf("deposit overflows account %s", account.Hex()))
	}
	acct.balance += amount
	return nil
}

// Balance implements BalanceReader. Unknown accounts hold zero.
func (l *MemoryLedger) Balance(_ context.Context, account common.Address) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.accounts[account]; ok {
		return acct.balance, nil
	}
	return 0, nil
}

// Transfer implements Transferer.
func (l *MemoryLedger) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, TransferFailure(err, "transfer cancelled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from, ok := l.accounts[req.From]
	if !ok {
		return Receipt{}, TransferFailure(nil, fmt.Sprintf("source account %s not found", req.From.Hex()))
	}
	if from.closed {
		return Receipt{}, TransferFailure(nil, fmt.Sprintf("source account %s is closed", req.From.Hex()))
	}
	to, ok := l.accounts[req.To]
	if ok && to.closed {
		return Receipt{}, TransferFailure(nil, fmt.Sprintf("destination account %s is closed", req.To.Hex()))
	}
	if from.balance < req.Amount {
		return Receipt{}, InsufficientFunds(req.From, from.balance, req.Amount)
	}
	if req.From != req.To {
		var current uint64
		if to != nil {
			current = to.balance
		}
		if current > math.MaxUint64-req.Amount {
			return Receipt{}, TransferFailure(nil, fmt.Sprintf("destination account %s would overflow", req.To.Hex()))
		}
		if to == nil {
			to = &memoryAccount{}
			l.accounts[req.To] = to
		}
		from.balance -= req.Amount
		to.balance += req.Amount
	}

	l.seq++
	entry := JournalEntry{
		Reference: fmt.Sprintf("mem-%d", l.seq),
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
		Memo:      req.Memo,
		AppliedAt: l.now().Unix(),
	}
	l.journal = append(l.journal, entry)
	return Receipt{Reference: entry.Reference, Substrate: "memory", AppliedAt: entry.AppliedAt}, nil
}

// Journal returns a copy of the applied transfers, oldest first.
func (l *MemoryLedger) Journal() []JournalEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]JournalEntry, len(l.journal))
	copy(out, l.journal)
	return out
}

var _ Substrate = (*MemoryLedger)(nil)
