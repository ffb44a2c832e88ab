// Package backend talks to a Bitcoin block indexer (Esplora / mempool.space REST).
// It never sees private keys; signing happens in the swap and wallet packages.
package backend

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/wire"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrBroadcastFailed   = errors.New("broadcast failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidResponse   = errors.New("invalid indexer response")
)

// UTXO is an unspent output as reported by the indexer.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         uint64 `json:"value"` // satoshis
	Confirmed     bool   `json:"confirmed"`
	BlockHeight   int64  `json:"block_height,omitempty"` // 0 while unconfirmed
	Confirmations int64  `json:"confirmations"`
}

// Transaction is the subset of an indexer transaction the daemons need.
type Transaction struct {
	TxID        string     `json:"txid"`
	Version     int32      `json:"version"`
	LockTime    uint32     `json:"locktime"`
	Weight      int64      `json:"weight"`
	VSize       int64      `json:"vsize"`
	Fee         uint64     `json:"fee"`
	Confirmed   bool       `json:"confirmed"`
	BlockHash   string     `json:"block_hash,omitempty"`
	BlockHeight int64      `json:"block_height,omitempty"`
	BlockTime   int64      `json:"block_time,omitempty"`
	Inputs      []TxInput  `json:"vin"`
	Outputs     []TxOutput `json:"vout"`
}

// TxInput is a transaction input. Witness items are hex encoded.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"`
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput is a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// AddressInfo holds the address stats endpoint result.
type AddressInfo struct {
	Address        string `json:"address"`
	ChainTxCount   int64  `json:"chain_tx_count"`
	MempoolTxCount int64  `json:"mempool_tx_count"`
	FundedSum      uint64 `json:"funded_txo_sum"`
	SpentSum       uint64 `json:"spent_txo_sum"`
	Balance        uint64 `json:"balance"`         // confirmed
	MempoolBalance int64  `json:"mempool_balance"` // unconfirmed delta
}

// TxCount is the number of transactions touching the address, confirmed or not.
func (a *AddressInfo) TxCount() int64 {
	return a.ChainTxCount + a.MempoolTxCount
}

// Indexer is the read/broadcast surface used by the executor, the wallet and the watcher.
type Indexer interface {
	GetUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetUTXOsForAmount(ctx context.Context, address string, amount uint64) ([]UTXO, error)
	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	GetAddressTxCount(ctx context.Context, address string) (int64, error)
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetBlockHeight(ctx context.Context) (int64, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
	SubmitTx(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// TotalValue sums the value of a UTXO set.
func TotalValue(utxos []UTXO) uint64 {
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}

// SelectForAmount accumulates UTXOs in the given order until amount is covered.
func SelectForAmount(utxos []UTXO, amount uint64) ([]UTXO, error) {
	var (
		selected []UTXO
		total    uint64
	)
	for _, u := range utxos {
		selected = append(selected, u)
		total += u.Value
		if total >= amount {
			return selected, nil
		}
	}
	return nil, ErrInsufficientFunds
}
