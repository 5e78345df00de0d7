package web3

import (
	"context"

	"BioScholar-Vault/internal/ledger"
)

// ChainSnapshot represents summarized network metadata for health and
// reporting endpoints.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines the common interface that any chain implementation must
// provide. A chain client is also a ledger substrate: native value transfers
// out of the custodial vault are how grants are paid on-chain.
type Client interface {
	ledger.Substrate
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
