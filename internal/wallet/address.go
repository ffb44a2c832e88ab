package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
)

// DeriveP2WPKH derives the native SegWit address of a public key.
func DeriveP2WPKH(pubKey *btcec.PublicKey, network chain.Network) (*btcutil.AddressWitnessPubKeyHash, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params.Net)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr, nil
}

// ParseAddress decodes an address and checks it belongs to the network.
func ParseAddress(address string, network chain.Network) (btcutil.Address, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	decoded, err := btcutil.DecodeAddress(address, params.Net)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if !decoded.IsForNet(params.Net) {
		return nil, fmt.Errorf("address %s is not for %s", address, network)
	}
	return decoded, nil
}

// ValidateAddress checks if an address is valid for a network.
func ValidateAddress(address string, network chain.Network) bool {
	_, err := ParseAddress(address, network)
	return err == nil
}

// AddressScript returns the output script paying to an address.
func AddressScript(addr btcutil.Address) ([]byte, error) {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %w", err)
	}
	return script, nil
}

// PrivateKeyToWIF converts a private key to Wallet Import Format.
func PrivateKeyToWIF(privKey *btcec.PrivateKey, network chain.Network) (string, error) {
	params, ok := chain.Get(network)
	if !ok {
		return "", fmt.Errorf("unsupported network: %s", network)
	}
	wif, err := btcutil.NewWIF(privKey, params.Net, true)
	if err != nil {
		return "", fmt.Errorf("failed to create WIF: %w", err)
	}
	return wif.String(), nil
}

// WIFToPrivateKey converts a WIF string to a private key.
func WIFToPrivateKey(wifStr string, network chain.Network) (*btcec.PrivateKey, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WIF: %w", err)
	}

	// Verify network
	if !wif.IsForNet(params.Net) {
		return nil, fmt.Errorf("WIF is for different network")
	}

	return wif.PrivKey, nil
}
