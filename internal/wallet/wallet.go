// Package wallet holds the executor's Bitcoin key material and turns HTLC
// intents into signed transactions: fund (initiate), redeem and refund.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
)

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// KeyFromMnemonic derives the BIP84 key m/84'/coin'/account'/0/index for the
// network from a BIP39 mnemonic. The passphrase is optional.
func KeyFromMnemonic(mnemonic, passphrase string, network chain.Network, account, index uint32) (*btcec.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, params.Net)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := master
	for _, child := range params.DerivationPath(account, 0, index) {
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", params.DerivationPathString(account, 0, index), err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}
