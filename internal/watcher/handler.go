package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// StoreHandler persists watcher events to the swap store and HTLC registry.
type StoreHandler struct {
	swaps    orderbook.SwapStore
	registry orderbook.HTLCRegistry
	log      *logging.Logger
}

var _ Handler = (*StoreHandler)(nil)

// NewStoreHandler creates a handler writing to swaps and registry.
func NewStoreHandler(swaps orderbook.SwapStore, registry orderbook.HTLCRegistry) *StoreHandler {
	return &StoreHandler{
		swaps:    swaps,
		registry: registry,
		log:      logging.GetDefault().Component("watcher"),
	}
}

// SetLogger replaces the component logger.
func (h *StoreHandler) SetLogger(l *logging.Logger) {
	h.log = l
}

// HandleEvent applies ev. Tracked events update the registry status; swap
// events record the transaction on the swap.
func (h *StoreHandler) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventHTLCCreated:
		if ev.HTLC == nil {
			return fmt.Errorf("event %s: missing HTLC", ev.EventID)
		}
		return h.registry.TrackHTLC(ctx, ev.HTLC)

	case EventHTLCFunded:
		if ev.Tracked {
			return h.setStatus(ctx, ev, orderbook.HTLCFunded)
		}
		h.log.Info("Recording initiate", "swap", ev.ID, "tx", ev.TxHash, "amount", ev.AmountSats, "block", ev.BlockHeight)
		return h.swaps.UpdateSwapInitiate(ctx, ev.ID, ev.TxHash, ev.AmountSats, ev.BlockHeight)

	case EventHTLCClaimed:
		if ev.Tracked {
			return h.setStatus(ctx, ev, orderbook.HTLCClaimed)
		}
		h.log.Info("Recording redeem", "swap", ev.ID, "tx", ev.TxHash, "block", ev.BlockHeight)
		return h.swaps.UpdateSwapRedeem(ctx, ev.ID, ev.TxHash, ev.BlockHeight, ev.Preimage)

	case EventHTLCRefunded:
		if ev.Tracked {
			return h.setStatus(ctx, ev, orderbook.HTLCRefunded)
		}
		h.log.Info("Recording refund", "swap", ev.ID, "tx", ev.TxHash, "block", ev.BlockHeight)
		return h.swaps.UpdateSwapRefund(ctx, ev.ID, ev.TxHash, ev.BlockHeight)

	case EventHTLCExpired:
		h.log.Info("HTLC expired", "id", ev.ID, "address", ev.Address)
		return nil

	case EventAddressBalanceChanged:
		h.log.Debug("Address balance changed", "address", ev.Address, "old", ev.OldBalance, "new", ev.NewBalance, "tx", ev.TxHash)
		return nil

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (h *StoreHandler) setStatus(ctx context.Context, ev Event, status orderbook.HTLCStatus) error {
	err := h.registry.SetHTLCStatus(ctx, ev.ID, status)
	if errors.Is(err, orderbook.ErrHTLCNotFound) {
		h.log.Warn("Event for untracked HTLC", "id", ev.ID, "type", ev.Type)
		return nil
	}
	if err == nil {
		h.log.Info("Tracked HTLC status changed", "id", ev.ID, "status", status, "tx", ev.TxHash)
	}
	return err
}
