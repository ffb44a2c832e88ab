package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *EsploraClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewEsploraClient(srv.URL+"/", 0)
	c.backoff = time.Millisecond
	c.SetLogger(logging.Discard())
	return c
}

func TestNewEsploraClient(t *testing.T) {
	c := NewEsploraClient("https://blockstream.info/api/", 0)
	if c.URL() != "https://blockstream.info/api" {
		t.Errorf("URL() = %s, trailing slash should be removed", c.URL())
	}
	if c.httpClient.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", c.httpClient.Timeout, DefaultTimeout)
	}

	c = NewEsploraClient("http://localhost:3000", 2*time.Second)
	if c.httpClient.Timeout != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", c.httpClient.Timeout)
	}
}

func TestGetUTXOs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/tb1qtest/utxo":
			fmt.Fprint(w, `[
				{"txid":"aa","vout":0,"value":40000,"status":{"confirmed":true,"block_height":100}},
				{"txid":"bb","vout":1,"value":20000,"status":{"confirmed":false}}
			]`)
		case "/blocks/tip/height":
			fmt.Fprint(w, "109")
		default:
			http.NotFound(w, r)
		}
	})

	utxos, err := c.GetUTXOs(context.Background(), "tb1qtest")
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}

	if utxos[0].TxID != "aa" || utxos[0].Value != 40000 || !utxos[0].Confirmed {
		t.Errorf("utxo[0] = %+v", utxos[0])
	}
	if utxos[0].BlockHeight != 100 || utxos[0].Confirmations != 10 {
		t.Errorf("utxo[0] height/confirmations = %d/%d, want 100/10", utxos[0].BlockHeight, utxos[0].Confirmations)
	}
	if utxos[1].Confirmed || utxos[1].Confirmations != 0 || utxos[1].BlockHeight != 0 {
		t.Errorf("utxo[1] should be unconfirmed: %+v", utxos[1])
	}
}

func TestGetUTXOsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/blocks/tip/height" {
			t.Error("tip height should not be fetched for an empty set")
		}
		fmt.Fprint(w, `[]`)
	})

	utxos, err := c.GetUTXOs(context.Background(), "tb1qempty")
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if len(utxos) != 0 {
		t.Errorf("got %d utxos, want 0", len(utxos))
	}
}

func TestSelectForAmount(t *testing.T) {
	utxos := []UTXO{
		{TxID: "a", Value: 30000},
		{TxID: "b", Value: 20000},
		{TxID: "c", Value: 50000},
	}

	tests := []struct {
		name    string
		amount  uint64
		wantIDs []string
		wantErr bool
	}{
		{"first covers", 10000, []string{"a"}, false},
		{"exact after two", 50000, []string{"a", "b"}, false},
		{"needs all", 90000, []string{"a", "b", "c"}, false},
		{"exactly total", 100000, []string{"a", "b", "c"}, false},
		{"exhausted", 100001, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectForAmount(utxos, tt.amount)
			if tt.wantErr {
				if !errors.Is(err, ErrInsufficientFunds) {
					t.Errorf("error = %v, want ErrInsufficientFunds", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectForAmount() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("selected %d utxos, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].TxID != id {
					t.Errorf("selected[%d] = %s, want %s", i, got[i].TxID, id)
				}
			}
		})
	}
}

func TestGetUTXOsForAmountInsufficient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/blocks/tip/height":
			fmt.Fprint(w, "10")
		default:
			fmt.Fprint(w, `[{"txid":"aa","vout":0,"value":1000,"status":{"confirmed":true,"block_height":5}}]`)
		}
	})

	_, err := c.GetUTXOsForAmount(context.Background(), "tb1qpoor", 5000)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("error = %v, want ErrInsufficientFunds", err)
	}
}

func TestGetAddressTxCount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/address/tb1phtlc" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{
			"address":"tb1phtlc",
			"chain_stats":{"funded_txo_count":1,"funded_txo_sum":50000,"spent_txo_count":1,"spent_txo_sum":50000,"tx_count":1},
			"mempool_stats":{"funded_txo_count":0,"funded_txo_sum":0,"spent_txo_count":0,"spent_txo_sum":0,"tx_count":1}
		}`)
	})

	count, err := c.GetAddressTxCount(context.Background(), "tb1phtlc")
	if err != nil {
		t.Fatalf("GetAddressTxCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 (chain + mempool)", count)
	}

	info, err := c.GetAddressInfo(context.Background(), "tb1phtlc")
	if err != nil {
		t.Fatalf("GetAddressInfo() error = %v", err)
	}
	if info.Balance != 0 {
		t.Errorf("Balance = %d, want 0", info.Balance)
	}
}

func TestGetTransaction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tx/deadbeef" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{
			"txid":"deadbeef","version":2,"locktime":0,"weight":600,"fee":1130,
			"status":{"confirmed":true,"block_height":812,"block_hash":"00ab","block_time":1700000000},
			"vin":[{"txid":"aa","vout":0,"sequence":4294967294,
				"witness":["01","02","03","04"],
				"prevout":{"scriptpubkey":"5120ff","scriptpubkey_type":"v1_p2tr","scriptpubkey_address":"tb1phtlc","value":50000}}],
			"vout":[{"scriptpubkey":"0014aa","scriptpubkey_type":"v0_p2wpkh","scriptpubkey_address":"tb1qdest","value":48870}]
		}`)
	})

	tx, err := c.GetTransaction(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}

	if tx.TxID != "deadbeef" || tx.BlockHeight != 812 || !tx.Confirmed {
		t.Errorf("unexpected tx header: %+v", tx)
	}
	if tx.VSize != 150 {
		t.Errorf("VSize = %d, want 150", tx.VSize)
	}
	if len(tx.Inputs) != 1 || len(tx.Inputs[0].Witness) != 4 {
		t.Fatalf("unexpected inputs: %+v", tx.Inputs)
	}
	if tx.Inputs[0].PrevOut == nil || tx.Inputs[0].PrevOut.Value != 50000 {
		t.Error("prevout should be decoded")
	}
	if len(tx.Outputs) != 1 || tx.Outputs[0].ScriptPubKeyAddr != "tb1qdest" {
		t.Errorf("unexpected outputs: %+v", tx.Outputs)
	}
}

func TestGetAddressTxs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"txid":"spend","status":{"confirmed":false},"vin":[],"vout":[]},
			{"txid":"fund","status":{"confirmed":true,"block_height":7},"vin":[],"vout":[]}]`)
	})

	txs, err := c.GetAddressTxs(context.Background(), "tb1phtlc")
	if err != nil {
		t.Fatalf("GetAddressTxs() error = %v", err)
	}
	if len(txs) != 2 || txs[0].TxID != "spend" || txs[1].BlockHeight != 7 {
		t.Errorf("unexpected txs: %+v", txs)
	}
}

func TestGetBlockHeight(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int64
		wantErr bool
	}{
		{"plain", "850000", 850000, false},
		{"trailing newline", "12\n", 12, false},
		{"garbage", "tip", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			got, err := c.GetBlockHeight(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidResponse) {
					t.Errorf("error = %v, want ErrInvalidResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetBlockHeight() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("height = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.GetTransaction(context.Background(), "missing")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := c.GetUTXOs(context.Background(), "x"); err == nil {
		t.Error("expected error on 500")
	}
}

func TestBroadcastTransaction(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tx" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "text/plain" {
			t.Errorf("Content-Type = %s, want text/plain", ct)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		fmt.Fprint(w, "abcd1234\n")
	})

	txid, err := c.BroadcastTransaction(context.Background(), "0200")
	if err != nil {
		t.Fatalf("BroadcastTransaction() error = %v", err)
	}
	if txid != "abcd1234" {
		t.Errorf("txid = %q, want abcd1234", txid)
	}
	if body != "0200" {
		t.Errorf("posted body = %q, want 0200", body)
	}
}

func TestBroadcastRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "mempool busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "txid3")
	})

	txid, err := c.BroadcastTransaction(context.Background(), "02")
	if err != nil {
		t.Fatalf("BroadcastTransaction() error = %v", err)
	}
	if txid != "txid3" {
		t.Errorf("txid = %q, want txid3", txid)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBroadcastGivesUp(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad-txns-inputs-missingorspent", http.StatusBadRequest)
	})

	_, err := c.BroadcastTransaction(context.Background(), "02")
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Fatalf("error = %v, want ErrBroadcastFailed", err)
	}
	if !strings.Contains(err.Error(), "missingorspent") {
		t.Errorf("last error should be surfaced, got %v", err)
	}
	if atomic.LoadInt32(&calls) != broadcastAttempts {
		t.Errorf("calls = %d, want %d", calls, broadcastAttempts)
	}
}

func TestBroadcastHonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.BroadcastTransaction(ctx, "02")
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("error = %v, want ErrBroadcastFailed", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff should stop when the context is done")
	}
}

func TestSubmitTx(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		fmt.Fprint(w, "ok")
	})

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	if _, err := c.SubmitTx(context.Background(), tx); err != nil {
		t.Fatalf("SubmitTx() error = %v", err)
	}
	if !strings.HasPrefix(body, "02000000") {
		t.Errorf("body should be version-2 tx hex, got %s", body)
	}
}

func TestTotalValue(t *testing.T) {
	if got := TotalValue([]UTXO{{Value: 1}, {Value: 2}, {Value: 3}}); got != 6 {
		t.Errorf("TotalValue() = %d, want 6", got)
	}
	if got := TotalValue(nil); got != 0 {
		t.Errorf("TotalValue(nil) = %d, want 0", got)
	}
}

var _ Indexer = (*EsploraClient)(nil)
