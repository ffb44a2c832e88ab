package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/executor"
	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
	"github.com/klingon-exchange/klingon-htlc/internal/watcher"
)

// =============================================================================
// Watcher methods
// =============================================================================

// WatcherService is the part of the watcher exposed over RPC.
type WatcherService interface {
	AddHTLCToWatch(ctx context.Context, req watcher.WatchRequest) (string, error)
	ChainID() string
}

// WatchParams are the parameters for htlc_watch.
type WatchParams struct {
	ID              string `json:"id,omitempty"`
	RedeemerPubKey  string `json:"redeemer_pubkey"`
	InitiatorPubKey string `json:"initiator_pubkey"`
	Hashlock        string `json:"hashlock"`
	Timelock        uint32 `json:"timelock"`
	AmountSats      uint64 `json:"amount_sats"`
	RefundAddress   string `json:"refund_address,omitempty"`
}

// WatchResult is returned by htlc_watch.
type WatchResult struct {
	Address string `json:"address"`
}

// IDParams select a record by id.
type IDParams struct {
	ID string `json:"id"`
}

// ListHTLCsParams are the parameters for htlc_list.
type ListHTLCsParams struct {
	// Status defaults to pending.
	Status orderbook.HTLCStatus `json:"status,omitempty"`
}

// RegisterWatcher adds the htlc_* and swaps_active methods.
func RegisterWatcher(s *Server, w WatcherService, swaps orderbook.SwapStore, registry orderbook.HTLCRegistry) {
	s.Register("htlc_watch", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p WatchParams
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
		if p.RedeemerPubKey == "" || p.InitiatorPubKey == "" || p.Hashlock == "" {
			return nil, fmt.Errorf("%w: redeemer_pubkey, initiator_pubkey and hashlock are required", ErrInvalidParams)
		}
		if p.Timelock == 0 {
			return nil, fmt.Errorf("%w: timelock must be positive", ErrInvalidParams)
		}

		addr, err := w.AddHTLCToWatch(ctx, watcher.WatchRequest{
			ID:              p.ID,
			RedeemerPubKey:  p.RedeemerPubKey,
			InitiatorPubKey: p.InitiatorPubKey,
			Hashlock:        p.Hashlock,
			Timelock:        p.Timelock,
			AmountSats:      p.AmountSats,
			RefundAddress:   p.RefundAddress,
		})
		if err != nil {
			return nil, err
		}
		return &WatchResult{Address: addr}, nil
	})

	s.Register("htlc_get", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p IDParams
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: id is required", ErrInvalidParams)
		}
		return registry.GetTrackedHTLC(ctx, p.ID)
	})

	s.Register("htlc_list", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		p := ListHTLCsParams{Status: orderbook.HTLCPending}
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
		htlcs, err := registry.TrackedHTLCs(ctx, p.Status)
		if err != nil {
			return nil, err
		}
		if htlcs == nil {
			htlcs = []orderbook.TrackedHTLC{}
		}
		return htlcs, nil
	})

	s.Register("swaps_active", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		active, err := swaps.ActiveSwaps(ctx, w.ChainID())
		if err != nil {
			return nil, err
		}
		if active == nil {
			active = []orderbook.Swap{}
		}
		return active, nil
	})
}

// =============================================================================
// Executor methods
// =============================================================================

// ExecutorService is the part of the executor exposed over RPC.
type ExecutorService interface {
	UserAddresses() []string
}

// WalletInfo is the public side of the executor's wallet.
type WalletInfo interface {
	Network() chain.Network
	Address() btcutil.Address
	XOnlyPubKeyHex() string
}

// ExecutorStatus is returned by executor_status.
type ExecutorStatus struct {
	Network       chain.Network `json:"network"`
	Address       string        `json:"address"`
	PubKey        string        `json:"pubkey"`
	UserAddresses []string      `json:"user_addresses"`
}

// PendingOrder is a pending order with the action the executor would take.
type PendingOrder struct {
	Order  orderbook.MatchedOrder `json:"order"`
	Action string                 `json:"action"`
}

// RegisterExecutor adds the executor_status and orders_* methods.
func RegisterExecutor(s *Server, ex ExecutorService, w WalletInfo, orders orderbook.Orderbook) {
	s.Register("executor_status", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return &ExecutorStatus{
			Network:       w.Network(),
			Address:       w.Address().EncodeAddress(),
			PubKey:        w.XOnlyPubKeyHex(),
			UserAddresses: ex.UserAddresses(),
		}, nil
	})

	s.Register("orders_pending", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		pending, err := orders.GetPendingOrders(ctx, ex.UserAddresses())
		if err != nil {
			return nil, err
		}
		result := make([]PendingOrder, 0, len(pending))
		for i := range pending {
			result = append(result, PendingOrder{
				Order:  pending[i],
				Action: executor.Resolve(&pending[i]).String(),
			})
		}
		return result, nil
	})

	s.Register("orders_get", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p IDParams
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: id is required", ErrInvalidParams)
		}
		order, err := orders.GetMatchedOrder(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return &PendingOrder{Order: *order, Action: executor.Resolve(order).String()}, nil
	})
}
