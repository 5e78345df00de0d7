package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/payout"
)

var payoutColumnNames = []string{
	"id", "vault", "researcher", "authority", "scholar_agent", "amount", "verification_hash", "digest", "status", "attempts", "max_retries",
	"last_error", "error_code", "receipt_reference", "receipt_substrate", "receipt_block", "receipt_fee", "receipt_applied_at", "created_at", "updated_at",
}

func newTestPayoutStore(t *testing.T, ops []mockOperation) (*PayoutStore, *queueDriver) {
	t.Helper()
	db, drv := newMockDB(t, ops)
	t.Cleanup(func() { db.Close() })
	store := NewPayoutStore(db)
	store.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return store, drv
}

func payoutRow(id string, status payout.Status, attempts int, reference string) []driver.Value {
	return []driver.Value{
		id, vault.Hex(), researcher.Hex(), researcher.Hex(), researcher.Hex(), int64(40), "sha256:abc", nil, string(status), int64(attempts), int64(3),
		nil, "", reference, "mysql", int64(0), "", int64(1_700_000_000), int64(1_699_999_000), int64(1_700_000_000),
	}
}

func payoutRows(rows ...[]driver.Value) mockRowsData {
	return mockRowsData{columns: payoutColumnNames, values: rows}
}

func TestPayoutStoreCreateMapsDuplicateKey(t *testing.T) {
	t.Parallel()

	insert := execOp(insertPayoutSQL, mockResult{rowsAffected: 1})
	insert.args = func(t *testing.T, args []driver.NamedValue) {
		if len(args) != 13 || args[0].Value != "grant-1" || args[1].Value != vault.Hex() || fmt.Sprint(args[5].Value) != "40" || args[7].Value != nil {
			t.Errorf("unexpected insert args: %+v", args)
		}
	}
	store, drv := newTestPayoutStore(t, []mockOperation{
		insert,
		execErrOp(insertPayoutSQL, &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	})
	defer drv.assertConsumed(t)

	p := &payout.Payout{ID: "grant-1", Vault: vault, Researcher: researcher, Amount: 40, Status: payout.StatusPending, MaxRetries: 3}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.CreatedAt != 1_700_000_000 || p.UpdatedAt != 1_700_000_000 {
		t.Fatalf("timestamps not stamped: %+v", p)
	}
	err := store.Create(context.Background(), &payout.Payout{ID: "grant-1"})
	if !errors.Is(err, payout.ErrPayoutConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPayoutStoreGet(t *testing.T) {
	t.Parallel()

	store, drv := newTestPayoutStore(t, []mockOperation{
		queryOp(selectPayoutSQL, payoutRows(payoutRow("grant-1", payout.StatusReleased, 1, "ref-1"))),
		queryOp(selectPayoutSQL, payoutRows()),
	})
	defer drv.assertConsumed(t)

	p, err := store.Get(context.Background(), "grant-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Vault != vault || p.Amount != 40 || p.Status != payout.StatusReleased || p.LastError != "" {
		t.Fatalf("unexpected payout %+v", p)
	}
	if p.Receipt == nil || p.Receipt.Reference != "ref-1" || p.Receipt.Substrate != SubstrateName {
		t.Fatalf("receipt not decoded: %+v", p.Receipt)
	}

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, payout.ErrPayoutNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPayoutStoreClaim(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		affected int64
		row      []driver.Value
		wantErr  error
	}{
		{name: "claimed", affected: 1, row: payoutRow("grant-1", payout.StatusRunning, 1, "")},
		{name: "already running", row: payoutRow("grant-1", payout.StatusRunning, 1, ""), wantErr: payout.ErrPayoutConflict},
		{name: "released", row: payoutRow("grant-1", payout.StatusReleased, 1, "ref-1"), wantErr: payout.ErrPayoutCompleted},
		{name: "exhausted", row: payoutRow("grant-1", payout.StatusPending, 3, ""), wantErr: payout.ErrPayoutExhausted},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			claim := execOp(claimPayoutSQL, mockResult{rowsAffected: tc.affected})
			claim.args = func(t *testing.T, args []driver.NamedValue) {
				if args[0].Value != string(payout.StatusRunning) || args[3].Value != string(payout.StatusPending) {
					t.Errorf("unexpected claim args: %+v", args)
				}
			}
			store, drv := newTestPayoutStore(t, []mockOperation{
				claim,
				queryOp(selectPayoutSQL, payoutRows(tc.row)),
			})
			defer drv.assertConsumed(t)

			p, err := store.Claim(context.Background(), "grant-1")
			if tc.wantErr == nil {
				if err != nil || p.Status != payout.StatusRunning {
					t.Fatalf("unexpected claim result %+v, %v", p, err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if p == nil || p.ID != "grant-1" {
				t.Fatalf("current state should accompany the error, got %+v", p)
			}
		})
	}
}

func TestPayoutStoreTransitions(t *testing.T) {
	t.Parallel()

	release := execOp(releasePayoutSQL, mockResult{rowsAffected: 1})
	release.args = func(t *testing.T, args []driver.NamedValue) {
		if args[0].Value != string(payout.StatusReleased) || args[1].Value != "ref-9" || fmt.Sprint(args[3].Value) != "12" {
			t.Errorf("unexpected release args: %+v", args)
		}
	}
	retry := execOp(finishPayoutSQL, mockResult{rowsAffected: 1})
	retry.args = func(t *testing.T, args []driver.NamedValue) {
		if args[0].Value != string(payout.StatusPending) || args[2].Value != string(xerrors.CodeTimeout) {
			t.Errorf("non-terminal failure must return to pending: %+v", args)
		}
	}
	terminal := execOp(finishPayoutSQL, mockResult{rowsAffected: 1})
	terminal.args = func(t *testing.T, args []driver.NamedValue) {
		if args[0].Value != string(payout.StatusFailed) {
			t.Errorf("terminal failure must be failed: %+v", args)
		}
	}
	reject := execOp(finishPayoutSQL, mockResult{rowsAffected: 1})
	reject.args = func(t *testing.T, args []driver.NamedValue) {
		if args[0].Value != string(payout.StatusRejected) || args[1].Value != "agent mismatch" {
			t.Errorf("unexpected reject args: %+v", args)
		}
	}

	store, drv := newTestPayoutStore(t, []mockOperation{
		release,
		retry,
		terminal,
		reject,
		execOp(finishPayoutSQL, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)

	ctx := context.Background()
	if err := store.MarkReleased(ctx, "grant-1", ledger.Receipt{Reference: "ref-9", Substrate: "evm", BlockNumber: 12}); err != nil {
		t.Fatalf("mark released: %v", err)
	}
	if err := store.MarkFailed(ctx, "grant-2", xerrors.CodeTimeout, "rpc timeout", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkFailed(ctx, "grant-3", ledger.CodeInsufficientFunds, "vault empty", true); err != nil {
		t.Fatalf("mark failed terminal: %v", err)
	}
	if err := store.MarkRejected(ctx, "grant-4", "UNAUTHORIZED", "agent mismatch"); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}
	if err := store.MarkRejected(ctx, "missing", "UNAUTHORIZED", "x"); !errors.Is(err, payout.ErrPayoutNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPayoutStoreListBuildsFilters(t *testing.T) {
	t.Parallel()

	list := queryOp("", payoutRows(
		payoutRow("grant-2", payout.StatusReleased, 1, "ref-2"),
		payoutRow("grant-1", payout.StatusReleased, 1, "ref-1"),
	))
	list.args = func(t *testing.T, args []driver.NamedValue) {
		want := []string{"released", "1699990000", researcher.Hex(), "5", "10"}
		if len(args) != len(want) {
			t.Fatalf("unexpected list args: %+v", args)
		}
		for i, value := range want {
			if fmt.Sprint(args[i].Value) != value {
				t.Errorf("arg %d = %v, want %s", i, args[i].Value, value)
			}
		}
	}
	store, drv := newTestPayoutStore(t, []mockOperation{list})
	defer drv.assertConsumed(t)

	opts := payout.BuildListOptions(
		payout.WithStatuses(payout.StatusReleased),
		payout.WithUpdatedSince(time.Unix(1_699_990_000, 0)),
		payout.WithReceiptPresence(true),
		payout.WithResearcher(researcher),
		payout.WithLimit(5),
		payout.WithOffset(10),
		payout.WithSortOrder(payout.SortByUpdatedAsc),
	)
	payouts, err := store.List(context.Background(), opts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(payouts) != 2 || payouts[0].ID != "grant-2" {
		t.Fatalf("unexpected payouts %+v", payouts)
	}

	clause, _ := buildPayoutFilter(opts)
	for _, fragment := range []string{"status IN (?)", "updated_at >= ?", "receipt_reference <> ''", "researcher = ?"} {
		if !strings.Contains(clause, fragment) {
			t.Fatalf("clause %q missing %q", clause, fragment)
		}
	}
}

func TestPayoutStoreStats(t *testing.T) {
	t.Parallel()

	statsRows := func(released string) mockRowsData {
		return mockRowsData{
			columns: []string{"total", "pending", "running", "released", "rejected", "failed", "released_amount", "oldest", "newest"},
			values: [][]driver.Value{{
				int64(6), int64(1), int64(1), int64(2), int64(1), int64(1), released, int64(1_699_000_000), int64(1_700_000_000),
			}},
		}
	}
	store, drv := newTestPayoutStore(t, []mockOperation{
		queryOp(statsPayoutSQL, statsRows("80")),
		queryOp(statsPayoutSQL, statsRows("36893488147419103230")),
	})
	defer drv.assertConsumed(t)

	stats, err := store.Stats(context.Background(), payout.ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 6 || stats.Released != 2 || stats.ReleasedAmount != 80 || stats.NewestUpdatedAt != 1_700_000_000 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	saturated, err := store.Stats(context.Background(), payout.ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if saturated.ReleasedAmount != math.MaxUint64 {
		t.Fatalf("expected saturated amount, got %d", saturated.ReleasedAmount)
	}
}

func TestPayoutStoreDigestAndUnconfirmed(t *testing.T) {
	t.Parallel()

	const digest = "ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34"
	insert := execOp(insertPayoutSQL, mockResult{rowsAffected: 1})
	insert.args = func(t *testing.T, args []driver.NamedValue) {
		if args[0].Value != digest || args[7].Value != digest {
			t.Errorf("digest not bound: %+v", args)
		}
	}
	row := payoutRow(digest, payout.StatusRunning, 1, "0xabc")
	row[7] = digest
	unconfirmed := execOp(unconfirmedPayoutSQL, mockResult{rowsAffected: 1})
	unconfirmed.args = func(t *testing.T, args []driver.NamedValue) {
		if args[0].Value != "0xabc" || args[1].Value != "evm" || args[3].Value != string(ledger.CodeTransferUnconfirmed) ||
			args[5].Value != digest || args[6].Value != string(payout.StatusRunning) {
			t.Errorf("unexpected unconfirmed args: %+v", args)
		}
	}

	store, drv := newTestPayoutStore(t, []mockOperation{
		insert,
		execErrOp(insertPayoutSQL, &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry for key 'uk_payout_digest'"}),
		unconfirmed,
		execOp(unconfirmedPayoutSQL, mockResult{rowsAffected: 0}),
		queryOp(selectPayoutSQL, payoutRows(row)),
	})
	defer drv.assertConsumed(t)

	ctx := context.Background()
	p := &payout.Payout{ID: digest, Digest: digest, Vault: vault, Researcher: researcher, Amount: 40, Status: payout.StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	replay := &payout.Payout{ID: "grant-other", Digest: digest}
	if err := store.Create(ctx, replay); !errors.Is(err, payout.ErrPayoutConflict) {
		t.Fatalf("expected conflict for reused digest, got %v", err)
	}

	pending := ledger.Receipt{Reference: "0xabc", Substrate: "evm"}
	if err := store.MarkUnconfirmed(ctx, digest, pending, ledger.CodeTransferUnconfirmed, "receipt timeout"); err != nil {
		t.Fatalf("mark unconfirmed: %v", err)
	}
	if err := store.MarkUnconfirmed(ctx, "released-already", pending, ledger.CodeTransferUnconfirmed, ""); !errors.Is(err, payout.ErrPayoutNotFound) {
		t.Fatalf("non-running payout must not be updated, got %v", err)
	}

	got, err := store.Get(ctx, digest)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Digest != digest || got.Status != payout.StatusRunning || got.Receipt == nil || got.Receipt.Reference != "0xabc" {
		t.Fatalf("unexpected payout %+v", got)
	}
}
