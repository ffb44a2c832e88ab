package orderbook

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-memory Orderbook, SwapStore and HTLCRegistry.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*MatchedOrder
	htlcs  map[string]*TrackedHTLC
}

var (
	_ Orderbook    = (*Memory)(nil)
	_ SwapStore    = (*Memory)(nil)
	_ HTLCRegistry = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]*MatchedOrder),
		htlcs:  make(map[string]*TrackedHTLC),
	}
}

// AddMatchedOrder stores a matched order under its create id.
func (m *Memory) AddMatchedOrder(order MatchedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID()]; ok {
		return ErrOrderExists
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	m.orders[order.ID()] = &order
	return nil
}

func (m *Memory) GetPendingOrders(ctx context.Context, addresses []string) ([]MatchedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []MatchedOrder
	for _, o := range m.orders {
		if o.Involves(addresses) && o.IsPending() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > PendingOrderLimit {
		out = out[:PendingOrderLimit]
	}
	return out, nil
}

func (m *Memory) GetMatchedOrder(ctx context.Context, createID string) (*MatchedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[createID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ActiveSwaps(ctx context.Context, chainID string) ([]Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Swap
	for _, o := range m.orders {
		for _, s := range []*Swap{&o.SourceSwap, &o.DestinationSwap} {
			if s.Chain == chainID && !s.Settled() {
				out = append(out, *s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SwapID < out[j].SwapID })
	return out, nil
}

// findSwap returns the leg with swapID. Callers hold m.mu.
func (m *Memory) findSwap(swapID string) (*Swap, error) {
	for _, o := range m.orders {
		if o.SourceSwap.SwapID == swapID {
			return &o.SourceSwap, nil
		}
		if o.DestinationSwap.SwapID == swapID {
			return &o.DestinationSwap, nil
		}
	}
	return nil, ErrSwapNotFound
}

func (m *Memory) UpdateSwapInitiate(ctx context.Context, swapID, txHash string, filledAmount uint64, blockNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.findSwap(swapID)
	if err != nil {
		return err
	}
	s.InitiateTxHash = txHash
	s.FilledAmount = strconv.FormatUint(filledAmount, 10)
	s.InitiateBlockNumber = FormatBlock(blockNumber)
	return nil
}

func (m *Memory) UpdateSwapRedeem(ctx context.Context, swapID, txHash string, blockNumber int64, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.findSwap(swapID)
	if err != nil {
		return err
	}
	s.RedeemTxHash = txHash
	s.RedeemBlockNumber = FormatBlock(blockNumber)
	s.Secret = secret
	return nil
}

func (m *Memory) UpdateSwapRefund(ctx context.Context, swapID, txHash string, blockNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.findSwap(swapID)
	if err != nil {
		return err
	}
	s.RefundTxHash = txHash
	s.RefundBlockNumber = FormatBlock(blockNumber)
	return nil
}

func (m *Memory) TrackHTLC(ctx context.Context, h *TrackedHTLC) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *h
	if cp.Status == "" {
		cp.Status = HTLCPending
	}
	m.htlcs[h.ID] = &cp
	return nil
}

func (m *Memory) GetTrackedHTLC(ctx context.Context, id string) (*TrackedHTLC, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.htlcs[id]
	if !ok {
		return nil, ErrHTLCNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *Memory) TrackedHTLCs(ctx context.Context, status HTLCStatus) ([]TrackedHTLC, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TrackedHTLC
	for _, h := range m.htlcs {
		if h.Status == status {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetHTLCStatus(ctx context.Context, id string, status HTLCStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.htlcs[id]
	if !ok {
		return ErrHTLCNotFound
	}
	h.Status = status
	return nil
}

func (m *Memory) CleanupExpired(ctx context.Context, now time.Time) ([]TrackedHTLC, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []TrackedHTLC
	for _, h := range m.htlcs {
		if h.Status == HTLCPending && h.ExpiresAt.Before(now) {
			h.Status = HTLCExpired
			expired = append(expired, *h)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}
