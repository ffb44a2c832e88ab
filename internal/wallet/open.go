package wallet

import (
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/swap"
)

// ErrNoKey is returned by Open when no key source is configured.
var ErrNoKey = errors.New("no wallet key configured")

// KeySource lists where a wallet key may come from. The first non-empty of
// KeystorePath, PrivateKey and Mnemonic is used.
type KeySource struct {
	KeystorePath string
	Password     string
	PrivateKey   string // hex or WIF
	Mnemonic     string
	Passphrase   string
}

// Open creates a wallet from the first configured key source.
func Open(src KeySource, network chain.Network, indexer backend.Indexer, fees swap.FeePolicy) (*HTLCWallet, error) {
	switch {
	case src.KeystorePath != "":
		ks, err := LoadKeystore(src.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("keystore %s: %w", src.KeystorePath, err)
		}
		secret, err := ks.Decrypt(src.Password)
		if err != nil {
			return nil, err
		}
		switch ks.Kind {
		case SecretMnemonic:
			return FromMnemonic(secret, src.Passphrase, network, indexer, fees)
		case SecretPrivateKey:
			return FromPrivateKeyHex(secret, network, indexer, fees)
		default:
			return nil, fmt.Errorf("unknown keystore kind %q", ks.Kind)
		}

	case src.PrivateKey != "":
		if len(src.PrivateKey) == 64 {
			return FromPrivateKeyHex(src.PrivateKey, network, indexer, fees)
		}
		return FromWIF(src.PrivateKey, network, indexer, fees)

	case src.Mnemonic != "":
		return FromMnemonic(src.Mnemonic, src.Passphrase, network, indexer, fees)
	}
	return nil, ErrNoKey
}
