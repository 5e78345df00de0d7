package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"BioScholar-Vault/internal/config"
	"BioScholar-Vault/internal/web3"
	"BioScholar-Vault/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients. Every
// client signs with the same custody key; a nil key yields read-only clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, key *ecdsa.PrivateKey) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.ReceiptTimeout) * time.Second
	clients := make(map[string]web3.Client)
	fail := func(err error) (*Registry, error) {
		for _, client := range clients {
			client.Close()
		}
		return nil, err
	}

	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			chainTimeout := timeout
			if chain.ReceiptTimeoutSeconds > 0 {
				chainTimeout = time.Duration(chain.ReceiptTimeoutSeconds) * time.Second
			}
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:           name,
				RPCURL:         chain.RPCURL,
				Notes:          chain.Description,
				VaultKey:       key,
				ReceiptTimeout: chainTimeout,
			})
			if err != nil {
				return fail(fmt.Errorf("初始化链 %s 失败: %w", name, err))
			}
			clients[name] = client
		default:
			return fail(fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type))
		}
	}

	defaultChain := cfg.DefaultChain
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           "default",
			RPCURL:         cfg.RPCURL,
			VaultKey:       key,
			ReceiptTimeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return fail(fmt.Errorf("默认链 %s 未在配置中找到", defaultChain))
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Snapshots collects chain metadata from every registered client. Chains
// that fail to answer are reported in the returned error.
func (r *Registry) Snapshots(ctx context.Context) ([]web3.ChainSnapshot, error) {
	var (
		snapshots []web3.ChainSnapshot
		errs      []error
	)
	for _, name := range r.Chains() {
		snapshot, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, errors.Join(errs...)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
