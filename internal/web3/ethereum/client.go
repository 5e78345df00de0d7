package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/web3"
)

// SubstrateName 标识由 EVM 链生成的回执。
const SubstrateName = "evm"

// Backend is the subset of the go-ethereum client API used by Client. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Committer mines pending transactions on development chains.
type Committer interface {
	Commit() common.Hash
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
	// VaultKey signs transfers out of the custodial vault. Without it the
	// client is read-only.
	VaultKey       *ecdsa.PrivateKey
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	backend   Backend
	committer Committer
	key       *ecdsa.PrivateKey
	custody   common.Address
	timeout   time.Duration
	poll      time.Duration
	now       func() time.Time

	mu      sync.Mutex
	idMu    sync.Mutex
	chainID *big.Int
}

// Option customises a Client.
type Option func(*Client)

// WithCommitter mines a block after every broadcast, for simulated chains.
func WithCommitter(c Committer) Option {
	return func(client *Client) {
		client.committer = c
	}
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := NewClientWithBackend(cfg, ethclient.NewClient(rpcClient))
	client.rpcClient = rpcClient
	return client, nil
}

// NewClientWithBackend wraps an existing backend, typically the go-ethereum
// simulated backend in tests.
func NewClientWithBackend(cfg Config, backend Backend, opts ...Option) *Client {
	c := &Client{
		name:    cfg.Name,
		notes:   cfg.Notes,
		backend: backend,
		key:     cfg.VaultKey,
		timeout: cfg.ReceiptTimeout,
		poll:    cfg.PollInterval,
		now:     time.Now,
	}
	if c.key != nil {
		c.custody = crypto.PubkeyToAddress(c.key.PublicKey)
	}
	if c.timeout <= 0 {
		c.timeout = time.Minute
	}
	if c.poll <= 0 {
		c.poll = time.Second
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Custody returns the vault address controlled by the client's key.
func (c *Client) Custody() common.Address { return c.custody }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.chain(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Balance implements ledger.BalanceReader. Balances above the uint64 range
// are reported as math.MaxUint64.
func (c *Client) Balance(ctx context.Context, account common.Address) (uint64, error) {
	if c == nil || c.backend == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	if !balance.IsUint64() {
		return math.MaxUint64, nil
	}
	return balance.Uint64(), nil
}

// Transfer implements ledger.Transferer with a native value transfer signed by
// the vault key. The memo travels as transaction data. The vault also pays the
// network fee, which is reported on the receipt in wei.
func (c *Client) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, ledger.TransferFailure(err, "transfer cancelled")
	}
	if c == nil || c.backend == nil {
		return ledger.Receipt{}, ledger.TransferFailure(nil, "ethereum client not initialised")
	}
	if c.key == nil {
		return ledger.Receipt{}, ledger.TransferFailure(nil, "no custody key configured")
	}
	if req.From != c.custody {
		return ledger.Receipt{}, ledger.TransferFailure(nil,
			fmt.Sprintf("vault %s is not controlled by custody key %s", req.From.Hex(), c.custody.Hex()))
	}

	// 同一托管账户的 nonce 必须串行分配。
	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.chain(ctx)
	if err != nil {
		return ledger.Receipt{}, ledger.TransferFailure(err, "read chain id")
	}

	amount := new(big.Int).SetUint64(req.Amount)
	balance, err := c.backend.BalanceAt(ctx, req.From, nil)
	if err != nil {
		return ledger.Receipt{}, ledger.TransferFailure(err, "read vault balance")
	}
	if balance.Cmp(amount) < 0 {
		return ledger.Receipt{}, ledger.InsufficientFunds(req.From, saturate(balance), req.Amount)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return ledger.Receipt{}, ledger.TransferFailure(err, "read vault nonce")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return ledger.Receipt{}, ledger.TransferFailure(err, "suggest gas tip")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, ledger.TransferFailure(err, "read latest header")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := req.To
	data := []byte(req.Memo)
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: req.From, To: &to, Value: amount, Data: data})
	if err != nil {
		return ledger.Receipt{}, classifySendError(err, "estimate gas")
	}

	maxCost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas))
	maxCost.Add(maxCost, amount)
	if balance.Cmp(maxCost) < 0 {
		return ledger.Receipt{}, ledger.InsufficientFunds(req.From, saturate(balance), saturate(maxCost))
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     amount,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return ledger.Receipt{}, ledger.TransferFailure(err, "sign transfer")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return ledger.Receipt{}, classifySendError(err, "broadcast transfer")
	}
	if c.committer != nil {
		c.committer.Commit()
	}

	// 交易已广播：之后的任何错误都不能判定为失败，交易仍可能上链。
	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return ledger.Receipt{}, ledger.TransferUnconfirmed(err, SubstrateName, signed.Hash().Hex())
	}
	return c.settle(signed.Hash(), receipt)
}

// Resolve implements ledger.ReceiptResolver for a transaction hash returned
// in an unconfirmed transfer error.
func (c *Client) Resolve(ctx context.Context, reference string) (ledger.Receipt, error) {
	if c == nil || c.backend == nil {
		return ledger.Receipt{}, ledger.TransferFailure(nil, "ethereum client not initialised")
	}
	if !isTxHash(reference) {
		return ledger.Receipt{}, ledger.TransferFailure(nil, fmt.Sprintf("invalid transaction hash %q", reference))
	}
	hash := common.HexToHash(reference)
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil || receipt == nil {
		return ledger.Receipt{}, ledger.TransferUnconfirmed(err, SubstrateName, hash.Hex())
	}
	return c.settle(hash, receipt)
}

func (c *Client) settle(hash common.Hash, receipt *coretypes.Receipt) (ledger.Receipt, error) {
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return ledger.Receipt{}, ledger.TransferFailure(nil, fmt.Sprintf("transfer %s reverted", hash.Hex()))
	}

	fee := new(big.Int).SetUint64(receipt.GasUsed)
	if receipt.EffectiveGasPrice != nil {
		fee.Mul(fee, receipt.EffectiveGasPrice)
	}
	out := ledger.Receipt{
		Reference: hash.Hex(),
		Substrate: SubstrateName,
		Fee:       fee.String(),
		AppliedAt: c.now().Unix(),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func isTxHash(s string) bool {
	raw, err := hexutil.Decode(s)
	return err == nil && len(raw) == common.HashLength
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if c.committer != nil {
				c.committer.Commit()
			}
		}
	}
}

func (c *Client) chain(ctx context.Context) (*big.Int, error) {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return id, nil
}

// classifySendError maps node-side balance rejections onto INSUFFICIENT_FUNDS.
func classifySendError(err error, stage string) error {
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return ledger.InsufficientFundsFrom(err)
	}
	return ledger.TransferFailure(err, stage)
}

func saturate(n *big.Int) uint64 {
	if n.Sign() < 0 {
		return 0
	}
	if !n.IsUint64() {
		return math.MaxUint64
	}
	return n.Uint64()
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var (
	_ web3.Client            = (*Client)(nil)
	_ ledger.ReceiptResolver = (*Client)(nil)
)
