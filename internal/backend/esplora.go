package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

const (
	// DefaultTimeout bounds every indexer request.
	DefaultTimeout = 5 * time.Second

	broadcastAttempts = 3
	broadcastBackoff  = 500 * time.Millisecond
)

// EsploraClient implements Indexer against the Esplora REST API.
// Works with blockstream.info, mempool.space and self-hosted instances.
type EsploraClient struct {
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
	log        *logging.Logger
}

// NewEsploraClient creates a client. A zero timeout uses DefaultTimeout.
func NewEsploraClient(baseURL string, timeout time.Duration) *EsploraClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &EsploraClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		backoff: broadcastBackoff,
		log:     logging.GetDefault().Component("indexer"),
	}
}

// SetLogger replaces the component logger.
func (c *EsploraClient) SetLogger(l *logging.Logger) {
	c.log = l
}

// URL returns the base URL.
func (c *EsploraClient) URL() string {
	return c.baseURL
}

// GetAddressInfo returns chain and mempool stats for an address.
func (c *EsploraClient) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var result struct {
		Address    string    `json:"address"`
		ChainStats addrStats `json:"chain_stats"`
		Mempool    addrStats `json:"mempool_stats"`
	}
	if err := c.get(ctx, "/address/"+address, &result); err != nil {
		return nil, err
	}

	var balance uint64
	if result.ChainStats.FundedTxoSum > result.ChainStats.SpentTxoSum {
		balance = result.ChainStats.FundedTxoSum - result.ChainStats.SpentTxoSum
	}

	return &AddressInfo{
		Address:        result.Address,
		ChainTxCount:   result.ChainStats.TxCount,
		MempoolTxCount: result.Mempool.TxCount,
		FundedSum:      result.ChainStats.FundedTxoSum + result.Mempool.FundedTxoSum,
		SpentSum:       result.ChainStats.SpentTxoSum + result.Mempool.SpentTxoSum,
		Balance:        balance,
		MempoolBalance: int64(result.Mempool.FundedTxoSum) - int64(result.Mempool.SpentTxoSum),
	}, nil
}

// GetAddressTxCount returns the confirmed plus mempool transaction count.
func (c *EsploraClient) GetAddressTxCount(ctx context.Context, address string) (int64, error) {
	info, err := c.GetAddressInfo(ctx, address)
	if err != nil {
		return 0, err
	}
	return info.TxCount(), nil
}

// GetUTXOs returns the unspent outputs of an address in indexer order.
func (c *EsploraClient) GetUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string   `json:"txid"`
		Vout   uint32   `json:"vout"`
		Status txStatus `json:"status"`
		Value  uint64   `json:"value"`
	}
	if err := c.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return []UTXO{}, nil
	}

	// Confirmations need the tip. Without it confirmed outputs count as 1.
	tip, err := c.GetBlockHeight(ctx)
	if err != nil {
		c.log.Debug("Tip height unavailable", "error", err)
		tip = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:        u.TxID,
			Vout:        u.Vout,
			Value:       u.Value,
			Confirmed:   u.Status.Confirmed,
			BlockHeight: u.Status.BlockHeight,
		}
		if u.Status.Confirmed && u.Status.BlockHeight > 0 {
			if tip >= u.Status.BlockHeight {
				utxos[i].Confirmations = tip - u.Status.BlockHeight + 1
			} else {
				utxos[i].Confirmations = 1
			}
		}
	}
	return utxos, nil
}

// GetUTXOsForAmount returns UTXOs, in indexer order, until amount is covered.
func (c *EsploraClient) GetUTXOsForAmount(ctx context.Context, address string, amount uint64) ([]UTXO, error) {
	utxos, err := c.GetUTXOs(ctx, address)
	if err != nil {
		return nil, err
	}
	selected, err := SelectForAmount(utxos, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: need %d sats, %s holds %d", err, amount, address, TotalValue(utxos))
	}
	return selected, nil
}

// GetAddressTxs returns the newest transactions touching an address, newest first.
func (c *EsploraClient) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	var result []esploraTx
	if err := c.get(ctx, "/address/"+address+"/txs", &result); err != nil {
		return nil, err
	}
	return convertTxs(result), nil
}

// GetTransaction returns a transaction by id.
func (c *EsploraClient) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result esploraTx
	if err := c.get(ctx, "/tx/"+txID, &result); err != nil {
		return nil, err
	}
	tx := convertTx(result)
	return &tx, nil
}

// GetBlockHeight returns the chain tip height.
func (c *EsploraClient) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := c.getRaw(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: tip height %q", ErrInvalidResponse, string(body))
	}
	return height, nil
}

// SubmitTx serializes and broadcasts a transaction.
func (c *EsploraClient) SubmitTx(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize tx: %w", err)
	}
	return c.BroadcastTransaction(ctx, hex.EncodeToString(buf.Bytes()))
}

// BroadcastTransaction posts a raw transaction hex and returns the txid.
// Transport errors and non-2xx answers are retried with a linear backoff;
// the last failure is returned wrapped in ErrBroadcastFailed.
func (c *EsploraClient) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= broadcastAttempts; attempt++ {
		txid, err := c.postTx(ctx, rawTxHex)
		if err == nil {
			return txid, nil
		}
		lastErr = err
		c.log.Warn("Broadcast attempt failed", "attempt", attempt, "error", err)

		if attempt == broadcastAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, ctx.Err())
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %v", ErrBroadcastFailed, broadcastAttempts, lastErr)
}

func (c *EsploraClient) postTx(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// get performs a GET request and decodes the JSON response.
func (c *EsploraClient) get(ctx context.Context, path string, result interface{}) error {
	body, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, path, err)
	}
	return nil
}

func (c *EsploraClient) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

type addrStats struct {
	FundedTxoCount int64  `json:"funded_txo_count"`
	FundedTxoSum   uint64 `json:"funded_txo_sum"`
	SpentTxoCount  int64  `json:"spent_txo_count"`
	SpentTxoSum    uint64 `json:"spent_txo_sum"`
	TxCount        int64  `json:"tx_count"`
}

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

type esploraOut struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address"`
	Value            uint64 `json:"value"`
}

// esploraTx is the Esplora transaction format.
type esploraTx struct {
	TxID     string   `json:"txid"`
	Version  int32    `json:"version"`
	LockTime uint32   `json:"locktime"`
	Weight   int64    `json:"weight"`
	Fee      uint64   `json:"fee"`
	Status   txStatus `json:"status"`
	Vin      []struct {
		TxID     string      `json:"txid"`
		Vout     uint32      `json:"vout"`
		Witness  []string    `json:"witness"`
		Sequence uint32      `json:"sequence"`
		Prevout  *esploraOut `json:"prevout"`
	} `json:"vin"`
	Vout []esploraOut `json:"vout"`
}

func convertTxs(in []esploraTx) []Transaction {
	txs := make([]Transaction, len(in))
	for i, et := range in {
		txs[i] = convertTx(et)
	}
	return txs
}

func convertTx(et esploraTx) Transaction {
	tx := Transaction{
		TxID:        et.TxID,
		Version:     et.Version,
		LockTime:    et.LockTime,
		Weight:      et.Weight,
		VSize:       (et.Weight + 3) / 4,
		Fee:         et.Fee,
		Confirmed:   et.Status.Confirmed,
		BlockHash:   et.Status.BlockHash,
		BlockHeight: et.Status.BlockHeight,
		BlockTime:   et.Status.BlockTime,
		Inputs:      make([]TxInput, len(et.Vin)),
		Outputs:     make([]TxOutput, len(et.Vout)),
	}

	for j, vin := range et.Vin {
		in := TxInput{
			TxID:     vin.TxID,
			Vout:     vin.Vout,
			Witness:  vin.Witness,
			Sequence: vin.Sequence,
		}
		if vin.Prevout != nil {
			out := TxOutput(*vin.Prevout)
			in.PrevOut = &out
		}
		tx.Inputs[j] = in
	}
	for j, vout := range et.Vout {
		tx.Outputs[j] = TxOutput(vout)
	}
	return tx
}
