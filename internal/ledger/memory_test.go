package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vaultAddr      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	researcherAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func balances(t *testing.T, l *MemoryLedger, accounts ...common.Address) []uint64 {
	t.Helper()
	out := make([]uint64, len(accounts))
	for i, a := range accounts {
		b, err := l.Balance(context.Background(), a)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestMemoryLedgerTransfer(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Open(vaultAddr, 100)

	receipt, err := l.Transfer(ctx, TransferRequest{From: vaultAddr, To: researcherAddr, Amount: 40, Memo: "h1"})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", receipt.Reference)
	assert.Equal(t, "memory", receipt.Substrate)
	assert.Equal(t, []uint64{60, 40}, balances(t, l, vaultAddr, researcherAddr))

	journal := l.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, "h1", journal[0].Memo)
	assert.Equal(t, uint64(40), journal[0].Amount)
}

func TestMemoryLedgerFailuresLeaveBalancesUntouched(t *testing.T) {
	ctx := context.Background()
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	cases := []struct {
		name  string
		setup func(l *MemoryLedger)
		req   TransferRequest
		want  error
	}{
		{
			name:  "insufficient funds",
			setup: func(l *MemoryLedger) { l.Open(vaultAddr, 30) },
			req:   TransferRequest{From: vaultAddr, To: researcherAddr, Amount: 40},
			want:  ErrInsufficientFunds,
		},
		{
			name:  "unknown source",
			setup: func(l *MemoryLedger) { l.Open(vaultAddr, 30) },
			req:   TransferRequest{From: unknown, To: researcherAddr, Amount: 1},
			want:  ErrTransferFailure,
		},
		{
			name: "closed destination",
			setup: func(l *MemoryLedger) {
				l.Open(vaultAddr, 30)
				l.Open(researcherAddr, 5)
				require.NoError(t, l.Close(researcherAddr))
			},
			req:  TransferRequest{From: vaultAddr, To: researcherAddr, Amount: 10},
			want: ErrTransferFailure,
		},
		{
			name: "destination overflow",
			setup: func(l *MemoryLedger) {
				l.Open(vaultAddr, 30)
				l.Open(researcherAddr, math.MaxUint64)
			},
			req:  TransferRequest{From: vaultAddr, To: researcherAddr, Amount: 1},
			want: ErrTransferFailure,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewMemoryLedger()
			tc.setup(l)
			before := balances(t, l, vaultAddr, researcherAddr)

			_, err := l.Transfer(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, before, balances(t, l, vaultAddr, researcherAddr))
			assert.Empty(t, l.Journal())
		})
	}
}

func TestMemoryLedgerZeroAndSelfTransfer(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Open(vaultAddr, 100)
	l.Open(researcherAddr, 50)

	_, err := l.Transfer(ctx, TransferRequest{From: vaultAddr, To: researcherAddr, Amount: 0})
	require.NoError(t, err)
	_, err = l.Transfer(ctx, TransferRequest{From: vaultAddr, To: vaultAddr, Amount: 70})
	require.NoError(t, err)

	assert.Equal(t, []uint64{100, 50}, balances(t, l, vaultAddr, researcherAddr))
	assert.Len(t, l.Journal(), 2)
}

func TestMemoryLedgerSerializesConcurrentTransfers(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Open(vaultAddr, 1000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Transfer(ctx, TransferRequest{From: vaultAddr, To: researcherAddr, Amount: 30}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 1000 / 30 = 33 transfers fit; the rest must be rejected without overdraft.
	assert.Equal(t, 33, succeeded)
	assert.Equal(t, []uint64{10, 990}, balances(t, l, vaultAddr, researcherAddr))
}

func TestMemoryLedgerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewMemoryLedger()
	l.Open(vaultAddr, 10)

	_, err := l.Transfer(ctx, TransferRequest{From: vaultAddr, To: researcherAddr, Amount: 1})
	assert.ErrorIs(t, err, ErrTransferFailure)
	assert.Equal(t, []uint64{10, 0}, balances(t, l, vaultAddr, researcherAddr))
}
