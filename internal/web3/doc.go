// Package web3 houses blockchain connectivity for the vault: chain
// definitions loaded from YAML, the chain client interface, and (in
// subpackages) the EVM transfer substrate and a registry of named chains.
package web3
