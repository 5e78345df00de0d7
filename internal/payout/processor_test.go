package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/grant"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/observability/alerting"
	"BioScholar-Vault/internal/proofs"
)

type collectingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *collectingAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collectingAlerts) codes() []xerrors.Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]xerrors.Code, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Code)
	}
	return out
}

type pipeline struct {
	ledger  *ledger.MemoryLedger
	service *Service
	alerts  *collectingAlerts
}

func startPipeline(t *testing.T, releaser Releaser, store Store, workers int) (*Service, *collectingAlerts) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	queue := NewMemoryQueue(1024)
	alerts := &collectingAlerts{}
	service := NewService(store, queue, 3)
	processor := NewProcessor(releaser, store, queue, queue, WithWorkerCount(workers), WithAlertDispatcher(alerts))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return service, alerts
}

func newLedgerPipeline(t *testing.T, vaultBalance uint64, workers int) pipeline {
	t.Helper()
	book := ledger.NewMemoryLedger()
	book.Open(testVault, vaultBalance)
	book.Open(testResearcher, 0)
	store := NewMemoryStore()
	service, alerts := startPipeline(t, grant.NewAuthorizer(book), store, workers)
	return pipeline{ledger: book, service: service, alerts: alerts}
}

func waitFor(t *testing.T, service *Service, id string) *Payout {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return p
}

func TestProcessorReleasesGrant(t *testing.T) {
	pl := newLedgerPipeline(t, 100, 2)

	submitted, err := pl.service.Submit(context.Background(), validRequest("grant-ok"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, pl.service, submitted.ID)
	if done.Status != StatusReleased || done.Receipt == nil || done.Receipt.Substrate == "" {
		t.Fatalf("unexpected payout %+v", done)
	}
	if done.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", done.Attempts)
	}
	vaultBalance, _ := pl.ledger.Balance(context.Background(), testVault)
	researcherBalance, _ := pl.ledger.Balance(context.Background(), testResearcher)
	if vaultBalance != 60 || researcherBalance != 40 {
		t.Fatalf("balances = %d/%d, want 60/40", vaultBalance, researcherBalance)
	}
}

func TestProcessorRejectsMismatchedAgent(t *testing.T) {
	pl := newLedgerPipeline(t, 100, 1)

	req := validRequest("grant-mismatch")
	req.ScholarAgent = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	if _, err := pl.service.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	unverified := validRequest("grant-unverified")
	unverified.Authority = proofs.Caller{}
	if _, err := pl.service.Submit(context.Background(), unverified); err != nil {
		t.Fatalf("submit: %v", err)
	}

	for _, id := range []string{"grant-mismatch", "grant-unverified"} {
		done := waitFor(t, pl.service, id)
		if done.Status != StatusRejected || done.ErrorCode != string(grant.CodeUnauthorized) || done.Receipt != nil {
			t.Fatalf("%s: unexpected payout %+v", id, done)
		}
	}
	if len(pl.ledger.Journal()) != 0 {
		t.Fatalf("rejected payouts must not move funds")
	}
}

func TestProcessorFailsTerminallyOnInsufficientFunds(t *testing.T) {
	pl := newLedgerPipeline(t, 10, 1)

	if _, err := pl.service.Submit(context.Background(), validRequest("grant-poor")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, pl.service, "grant-poor")
	if done.Status != StatusFailed || done.ErrorCode != string(ledger.CodeInsufficientFunds) || done.Attempts != 1 {
		t.Fatalf("unexpected payout %+v", done)
	}
	if codes := pl.alerts.codes(); len(codes) != 1 || codes[0] != ledger.CodeInsufficientFunds {
		t.Fatalf("expected one insufficient funds alert, got %v", codes)
	}
}

type flakyReleaser struct {
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyReleaser) ReleaseGrant(_ context.Context, _ uint64, _ string, _ grant.Accounts) (ledger.Receipt, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeTimeout, "rpc timeout")
	}
	return ledger.Receipt{Reference: "ok", Substrate: "fake"}, nil
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	releaser := &flakyReleaser{}
	releaser.failures.Store(2)
	service, _ := startPipeline(t, releaser, NewMemoryStore(), 1)

	if _, err := service.Submit(context.Background(), validRequest("grant-flaky")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, service, "grant-flaky")
	if done.Status != StatusReleased || done.Attempts != 3 || releaser.calls.Load() != 3 {
		t.Fatalf("unexpected payout %+v after %d calls", done, releaser.calls.Load())
	}
}

func TestProcessorStopsAfterRetryBudget(t *testing.T) {
	releaser := &flakyReleaser{}
	releaser.failures.Store(10)
	service, alerts := startPipeline(t, releaser, NewMemoryStore(), 1)

	if _, err := service.Submit(context.Background(), validRequest("grant-down")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, service, "grant-down")
	if done.Status != StatusFailed || done.Attempts != 3 || done.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("unexpected payout %+v", done)
	}
	if len(alerts.codes()) == 0 {
		t.Fatal("expected alerts for retry exhaustion")
	}
}

type brokenReleaseStore struct {
	*MemoryStore
}

func (brokenReleaseStore) MarkReleased(context.Context, string, ledger.Receipt) error {
	return xerrors.New(xerrors.CodeStorageFailure, "db gone")
}

func TestProcessorDoesNotRequeueAfterTransfer(t *testing.T) {
	releaser := &flakyReleaser{}
	store := brokenReleaseStore{NewMemoryStore()}
	service, alerts := startPipeline(t, releaser, store, 1)

	if _, err := service.Submit(context.Background(), validRequest("grant-unrecorded")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(alerts.codes()) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected record failure alert")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)

	if releaser.calls.Load() != 1 {
		t.Fatalf("transfer executed %d times", releaser.calls.Load())
	}
	p, _ := store.Get(context.Background(), "grant-unrecorded")
	if p.Status != StatusRunning {
		t.Fatalf("expected payout left running, got %s", p.Status)
	}
	if codes := alerts.codes(); codes[0] != CodePayoutRecord {
		t.Fatalf("unexpected alert codes %v", codes)
	}
}

type unconfirmedReleaser struct {
	calls atomic.Int32
}

func (u *unconfirmedReleaser) ReleaseGrant(_ context.Context, _ uint64, _ string, _ grant.Accounts) (ledger.Receipt, error) {
	n := u.calls.Add(1)
	return ledger.Receipt{}, ledger.TransferUnconfirmed(context.DeadlineExceeded, "evm", fmt.Sprintf("0xtx%d", n))
}

type scriptedResolver struct {
	mu       sync.Mutex
	outcomes map[string]error
	lookups  int
}

func (r *scriptedResolver) set(reference string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[reference] = err
}

func (r *scriptedResolver) Resolve(_ context.Context, reference string) (ledger.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	err, ok := r.outcomes[reference]
	switch {
	case !ok:
		return ledger.Receipt{}, ledger.TransferUnconfirmed(nil, "evm", reference)
	case err != nil:
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{Reference: reference, Substrate: "evm", BlockNumber: 9}, nil
}

func waitForCode(t *testing.T, store Store, id string, code xerrors.Code) *Payout {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		p, err := store.Get(context.Background(), id)
		if err == nil && p.ErrorCode == string(code) {
			return p
		}
		select {
		case <-deadline:
			t.Fatalf("%s never reached %s, last %+v", id, code, p)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestProcessorLeavesUnconfirmedTransferRunning(t *testing.T) {
	releaser := &unconfirmedReleaser{}
	store := NewMemoryStore()
	service, alerts := startPipeline(t, releaser, store, 1)

	for _, id := range []string{"grant-mined", "grant-reverted"} {
		if _, err := service.Submit(context.Background(), validRequest(id)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	mined := waitForCode(t, store, "grant-mined", ledger.CodeTransferUnconfirmed)
	reverted := waitForCode(t, store, "grant-reverted", ledger.CodeTransferUnconfirmed)
	time.Sleep(50 * time.Millisecond)

	if mined.Status != StatusRunning || mined.Receipt == nil || mined.Receipt.Substrate != "evm" {
		t.Fatalf("unconfirmed payout must stay running with its reference, got %+v", mined)
	}
	if releaser.calls.Load() != 2 || mined.Attempts != 1 {
		t.Fatalf("unconfirmed transfers must not be retried: %d calls", releaser.calls.Load())
	}
	for _, code := range alerts.codes() {
		if code != ledger.CodeTransferUnconfirmed {
			t.Fatalf("unexpected alert codes %v", alerts.codes())
		}
	}

	resolver := &scriptedResolver{outcomes: map[string]error{}}
	reconciler := NewProcessor(releaser, store, nil, nil, WithReceiptResolver(resolver, time.Second))
	ctx := context.Background()

	settled, err := reconciler.Reconcile(ctx)
	if err != nil || settled != 0 {
		t.Fatalf("nothing is mined yet: settled=%d err=%v", settled, err)
	}

	resolver.set(mined.Receipt.Reference, nil)
	resolver.set(reverted.Receipt.Reference, ledger.TransferFailure(nil, "reverted"))
	settled, err = reconciler.Reconcile(ctx)
	if err != nil || settled != 2 {
		t.Fatalf("expected two settled payouts: settled=%d err=%v", settled, err)
	}

	done, _ := store.Get(ctx, "grant-mined")
	if done.Status != StatusReleased || done.Receipt.BlockNumber != 9 || done.ErrorCode != "" {
		t.Fatalf("mined payout not released: %+v", done)
	}
	failed, _ := store.Get(ctx, "grant-reverted")
	if failed.Status != StatusFailed || failed.ErrorCode != string(ledger.CodeTransferFailure) {
		t.Fatalf("reverted payout not failed: %+v", failed)
	}
	if releaser.calls.Load() != 2 {
		t.Fatalf("reconciliation must not transfer again")
	}
}

func TestProcessorHandlesConcurrentPayouts(t *testing.T) {
	const total = 200
	pl := newLedgerPipeline(t, total*2, 8)

	for i := 0; i < total; i++ {
		req := validRequest(fmt.Sprintf("grant-%d", i))
		req.Amount = 2
		if _, err := pl.service.Submit(context.Background(), req); err != nil {
			t.Fatalf("提交放款失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := pl.service.Stats(context.Background())
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Released == total {
			if stats.ReleasedAmount != total*2 {
				t.Fatalf("unexpected released amount %d", stats.ReleasedAmount)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("放款未能及时处理，已完成 %d", stats.Released)
		case <-time.After(20 * time.Millisecond):
		}
	}

	vaultBalance, _ := pl.ledger.Balance(context.Background(), testVault)
	researcherBalance, _ := pl.ledger.Balance(context.Background(), testResearcher)
	if vaultBalance != 0 || researcherBalance != total*2 {
		t.Fatalf("balances = %d/%d", vaultBalance, researcherBalance)
	}
}
