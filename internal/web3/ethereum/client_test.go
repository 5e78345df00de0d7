package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/web3"
)

const oneEther = 1_000_000_000_000_000_000

type simulatedChain struct {
	backend *simulated.Backend
	client  *Client
	key     *ecdsa.PrivateKey
	vault   common.Address
}

func newSimulatedChain(t *testing.T) simulatedChain {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	vault := crypto.PubkeyToAddress(key.PublicKey)

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		vault: {Balance: big.NewInt(oneEther)},
	})
	t.Cleanup(func() { _ = backend.Close() })

	client := NewClientWithBackend(Config{
		Name:           "simulated",
		Notes:          "simulated backend",
		VaultKey:       key,
		ReceiptTimeout: 5 * time.Second,
		PollInterval:   20 * time.Millisecond,
	}, backend.Client(), WithCommitter(backend))
	t.Cleanup(client.Close)

	return simulatedChain{backend: backend, client: client, key: key, vault: vault}
}

func balanceOf(t *testing.T, chain simulatedChain, addr common.Address) *big.Int {
	t.Helper()
	balance, err := chain.backend.Client().BalanceAt(context.Background(), addr, nil)
	if err != nil {
		t.Fatalf("balance of %s: %v", addr.Hex(), err)
	}
	return balance
}

func TestTransferMovesValueAndRecordsMemo(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := newSimulatedChain(t)
	researcher := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	const amount = 40_000_000_000_000

	before := balanceOf(t, chain, chain.vault)
	receipt, err := chain.client.Transfer(ctx, ledger.TransferRequest{
		From:   chain.vault,
		To:     researcher,
		Amount: amount,
		Memo:   "sha256:abc",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.Substrate != SubstrateName || receipt.BlockNumber == 0 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	if got := balanceOf(t, chain, researcher); got.Cmp(big.NewInt(amount)) != 0 {
		t.Fatalf("researcher balance = %s, want %d", got, amount)
	}

	fee, ok := new(big.Int).SetString(receipt.Fee, 10)
	if !ok {
		t.Fatalf("fee %q is not a decimal integer", receipt.Fee)
	}
	spent := new(big.Int).Sub(before, balanceOf(t, chain, chain.vault))
	if want := new(big.Int).Add(fee, big.NewInt(amount)); spent.Cmp(want) != 0 {
		t.Fatalf("vault spent %s, want amount+fee %s", spent, want)
	}

	tx, _, err := chain.backend.Client().TransactionByHash(ctx, common.HexToHash(receipt.Reference))
	if err != nil {
		t.Fatalf("lookup tx: %v", err)
	}
	if string(tx.Data()) != "sha256:abc" {
		t.Fatalf("memo not carried as tx data: %q", tx.Data())
	}

	reported, err := chain.client.Balance(ctx, researcher)
	if err != nil || reported != amount {
		t.Fatalf("Balance() = %d, %v", reported, err)
	}
}

func TestTransferWithoutReceiptIsUnconfirmedNotFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := newSimulatedChain(t)
	// 不自动出块：广播成功后回执一直查不到。
	stalled := NewClientWithBackend(Config{
		Name:           "stalled",
		VaultKey:       chain.key,
		ReceiptTimeout: 100 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
	}, chain.backend.Client())
	researcher := common.HexToAddress("0x00000000000000000000000000000000000000b3")
	const amount = 7_000_000_000_000

	_, err := stalled.Transfer(ctx, ledger.TransferRequest{From: chain.vault, To: researcher, Amount: amount})
	if code := xerrors.CodeOf(err); code != ledger.CodeTransferUnconfirmed {
		t.Fatalf("expected %s, got %v", ledger.CodeTransferUnconfirmed, err)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("an unconfirmed transfer must not be retried")
	}
	pending, ok := ledger.PendingReceipt(err)
	if !ok || pending.Substrate != SubstrateName {
		t.Fatalf("pending receipt missing from %v", err)
	}

	if _, err := stalled.Resolve(ctx, pending.Reference); xerrors.CodeOf(err) != ledger.CodeTransferUnconfirmed {
		t.Fatalf("unmined transaction should stay unconfirmed, got %v", err)
	}

	chain.backend.Commit()
	receipt, err := stalled.Resolve(ctx, pending.Reference)
	if err != nil {
		t.Fatalf("resolve after mining: %v", err)
	}
	if receipt.Reference != pending.Reference || receipt.BlockNumber == 0 {
		t.Fatalf("unexpected resolved receipt %+v", receipt)
	}
	if got := balanceOf(t, chain, researcher); got.Cmp(big.NewInt(amount)) != 0 {
		t.Fatalf("researcher balance = %s, want %d", got, amount)
	}

	if _, err := stalled.Resolve(ctx, "not-a-hash"); xerrors.CodeOf(err) != ledger.CodeTransferFailure {
		t.Fatalf("expected transfer failure for malformed hash, got %v", err)
	}
}

func TestTransferInsufficientFundsLeavesChainUntouched(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := newSimulatedChain(t)
	researcher := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	before := balanceOf(t, chain, chain.vault)

	cases := []uint64{5 * oneEther, oneEther}
	for _, amount := range cases {
		_, err := chain.client.Transfer(ctx, ledger.TransferRequest{From: chain.vault, To: researcher, Amount: amount})
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			t.Fatalf("amount %d: expected insufficient funds, got %v", amount, err)
		}
	}

	if after := balanceOf(t, chain, chain.vault); after.Cmp(before) != 0 {
		t.Fatalf("vault balance changed from %s to %s", before, after)
	}
	if got := balanceOf(t, chain, researcher); got.Sign() != 0 {
		t.Fatalf("researcher received %s", got)
	}
}

func TestTransferRequiresCustodyOfVault(t *testing.T) {
	t.Parallel()

	chain := newSimulatedChain(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	_, err := chain.client.Transfer(context.Background(), ledger.TransferRequest{From: other, To: chain.vault, Amount: 1})
	if xerrors.CodeOf(err) != ledger.CodeTransferFailure {
		t.Fatalf("expected transfer failure, got %v", err)
	}

	readOnly := NewClientWithBackend(Config{Name: "ro"}, chain.backend.Client())
	_, err = readOnly.Transfer(context.Background(), ledger.TransferRequest{From: chain.vault, To: other, Amount: 1})
	if xerrors.CodeOf(err) != ledger.CodeTransferFailure {
		t.Fatalf("expected transfer failure without key, got %v", err)
	}
}

func TestFetchChainSnapshot(t *testing.T) {
	t.Parallel()

	chain := newSimulatedChain(t)
	chain.backend.Commit()

	snapshot, err := chain.client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after commit")
	}
	if snapshot.Name != "simulated" {
		t.Fatalf("unexpected name %s", snapshot.Name)
	}
}

func TestClassifySendError(t *testing.T) {
	err := classifySendError(errors.New("insufficient funds for gas * price + value"), "broadcast")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	err = classifySendError(errors.New("nonce too low"), "broadcast")
	if !errors.Is(err, ledger.ErrTransferFailure) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
}

var _ web3.Client = (*Client)(nil)
