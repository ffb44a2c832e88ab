// Package chain defines the Bitcoin networks the HTLC daemons can run against.
// All network-specific values are hardcoded here - no external configuration needed.
package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
	Signet  Network = "signet"
)

// Params contains the parameters for one Bitcoin network.
type Params struct {
	Network Network
	Name    string

	// ChainID is the chain identifier used on swap records ("bitcoin_testnet").
	ChainID string

	// BIP44 derivation
	CoinType       uint32 // 0 on mainnet, 1 everywhere else
	DefaultPurpose uint32 // 84 (native SegWit)

	Bech32HRP string

	// Net is the btcd network definition used for address encoding and signing.
	Net *chaincfg.Params
}

// DerivationPath returns the BIP84 derivation path for this network.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.DefaultPurpose, p.CoinType, account, change, index)
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns params for a network.
func Get(network Network) (*Params, bool) {
	params, ok := registry[network]
	return params, ok
}

// MustGet returns params for a network and panics if it is unknown.
func MustGet(network Network) *Params {
	params, ok := Get(network)
	if !ok {
		panic(fmt.Sprintf("chain: unknown network %q", network))
	}
	return params
}

// List returns all registered networks, sorted.
func List() []Network {
	nets := make([]Network, 0, len(registry))
	for n := range registry {
		nets = append(nets, n)
	}
	sort.Slice(nets, func(i, j int) bool { return nets[i] < nets[j] })
	return nets
}

// ParseNetwork parses a network name. "bitcoin" and "main" are accepted for mainnet,
// "testnet3" for testnet.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "main", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3", "test":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	case "signet":
		return Signet, nil
	default:
		return "", fmt.Errorf("unknown network: %q", s)
	}
}

// IsBitcoinChain reports whether a swap-record chain identifier refers to any
// Bitcoin network.
func IsBitcoinChain(chainID string) bool {
	for _, p := range registry {
		if p.ChainID == chainID {
			return true
		}
	}
	return false
}
