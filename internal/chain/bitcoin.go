package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:        Mainnet,
		Name:           "Bitcoin",
		ChainID:        "bitcoin",
		CoinType:       0,
		DefaultPurpose: 84,
		Bech32HRP:      "bc",
		Net:            &chaincfg.MainNetParams,
	})

	Register(&Params{
		Network:        Testnet,
		Name:           "Bitcoin Testnet",
		ChainID:        "bitcoin_testnet",
		CoinType:       1,
		DefaultPurpose: 84,
		Bech32HRP:      "tb",
		Net:            &chaincfg.TestNet3Params,
	})

	Register(&Params{
		Network:        Regtest,
		Name:           "Bitcoin Regtest",
		ChainID:        "bitcoin_regtest",
		CoinType:       1,
		DefaultPurpose: 84,
		Bech32HRP:      "bcrt",
		Net:            &chaincfg.RegressionNetParams,
	})

	// Signet shares the testnet HRP.
	Register(&Params{
		Network:        Signet,
		Name:           "Bitcoin Signet",
		ChainID:        "bitcoin_signet",
		CoinType:       1,
		DefaultPurpose: 84,
		Bech32HRP:      "tb",
		Net:            &chaincfg.SigNetParams,
	})
}
