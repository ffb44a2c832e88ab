package backend

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// MemoryIndexer is an in-memory Indexer. The executor and watcher tests use it
// in place of a live Esplora server.
type MemoryIndexer struct {
	mu sync.Mutex

	height    int64
	utxos     map[string][]UTXO
	txCounts  map[string]int64
	addrTxs   map[string][]Transaction
	txs       map[string]*Transaction
	addrErrs  map[string]error
	broadcast []*wire.MsgTx
	submitErr error
}

// NewMemoryIndexer creates an empty indexer at height 0.
func NewMemoryIndexer() *MemoryIndexer {
	return &MemoryIndexer{
		utxos:    make(map[string][]UTXO),
		txCounts: make(map[string]int64),
		addrTxs:  make(map[string][]Transaction),
		txs:      make(map[string]*Transaction),
		addrErrs: make(map[string]error),
	}
}

// SetHeight sets the tip height.
func (m *MemoryIndexer) SetHeight(h int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = h
}

// SetUTXOs replaces the UTXO set of an address.
func (m *MemoryIndexer) SetUTXOs(address string, utxos ...UTXO) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utxos[address] = append([]UTXO(nil), utxos...)
}

// SetTxCount sets the transaction count reported for an address.
func (m *MemoryIndexer) SetTxCount(address string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCounts[address] = n
}

// AddTransaction records tx as the newest transaction of address.
func (m *MemoryIndexer) AddTransaction(address string, tx Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrTxs[address] = append([]Transaction{tx}, m.addrTxs[address]...)
	stored := tx
	m.txs[tx.TxID] = &stored
}

// FailAddress makes every address query for address return err. A nil err clears it.
func (m *MemoryIndexer) FailAddress(address string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.addrErrs, address)
		return
	}
	m.addrErrs[address] = err
}

// FailSubmit makes SubmitTx and BroadcastTransaction return err.
func (m *MemoryIndexer) FailSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// Broadcasts returns every transaction submitted so far.
func (m *MemoryIndexer) Broadcasts() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*wire.MsgTx(nil), m.broadcast...)
}

func (m *MemoryIndexer) GetUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addrErrs[address]; err != nil {
		return nil, err
	}
	utxos := append([]UTXO{}, m.utxos[address]...)
	for i := range utxos {
		if utxos[i].Confirmed && utxos[i].BlockHeight > 0 && m.height >= utxos[i].BlockHeight {
			utxos[i].Confirmations = m.height - utxos[i].BlockHeight + 1
		}
	}
	return utxos, nil
}

func (m *MemoryIndexer) GetUTXOsForAmount(ctx context.Context, address string, amount uint64) ([]UTXO, error) {
	utxos, err := m.GetUTXOs(ctx, address)
	if err != nil {
		return nil, err
	}
	return SelectForAmount(utxos, amount)
}

func (m *MemoryIndexer) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addrErrs[address]; err != nil {
		return nil, err
	}
	return &AddressInfo{
		Address:      address,
		ChainTxCount: m.txCounts[address],
		Balance:      TotalValue(m.utxos[address]),
	}, nil
}

func (m *MemoryIndexer) GetAddressTxCount(ctx context.Context, address string) (int64, error) {
	info, err := m.GetAddressInfo(ctx, address)
	if err != nil {
		return 0, err
	}
	return info.TxCount(), nil
}

func (m *MemoryIndexer) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addrErrs[address]; err != nil {
		return nil, err
	}
	return append([]Transaction(nil), m.addrTxs[address]...), nil
}

func (m *MemoryIndexer) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: /tx/%s", ErrNotFound, txID)
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryIndexer) GetBlockHeight(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

func (m *MemoryIndexer) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	raw, err := helpers.HexToBytes(rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return m.SubmitTx(ctx, tx)
}

func (m *MemoryIndexer) SubmitTx(ctx context.Context, tx *wire.MsgTx) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, m.submitErr)
	}
	m.broadcast = append(m.broadcast, tx)
	return tx.TxHash().String(), nil
}

var _ Indexer = (*MemoryIndexer)(nil)
