package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
	"github.com/klingon-exchange/klingon-htlc/internal/swap"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Config holds executor settings.
type Config struct {
	// UserAddresses selects the orders the executor acts on.
	UserAddresses []string
	// DefaultAmount is funded when an order has no usable destination amount.
	DefaultAmount uint64
}

// Result records what a tick did with one order.
type Result struct {
	OrderID string
	Kind    ActionKind
	TxID    string
	Err     error
}

// Executor polls the orderbook and broadcasts the transaction each pending
// order is waiting for.
type Executor struct {
	orders    orderbook.Orderbook
	wallet    Wallet
	mapper    *Mapper
	addresses []string
	log       *logging.Logger
}

// New creates an executor.
func New(orders orderbook.Orderbook, w Wallet, cfg Config) (*Executor, error) {
	if len(cfg.UserAddresses) == 0 {
		return nil, errors.New("no user addresses configured")
	}
	return &Executor{
		orders:    orders,
		wallet:    w,
		mapper:    NewMapper(w, cfg.DefaultAmount),
		addresses: cfg.UserAddresses,
		log:       logging.GetDefault().Component("executor"),
	}, nil
}

// SetLogger replaces the component logger.
func (e *Executor) SetLogger(l *logging.Logger) {
	e.log = l
}

// UserAddresses returns the addresses orders are selected by.
func (e *Executor) UserAddresses() []string {
	return append([]string(nil), e.addresses...)
}

// Name implements scheduler.Task.
func (e *Executor) Name() string {
	return "executor"
}

// Tick runs one polling cycle. Only a failure to load pending orders is
// returned; per-order failures are logged and skipped.
func (e *Executor) Tick(ctx context.Context) error {
	_, err := e.Process(ctx)
	return err
}

// Process runs one polling cycle and reports the outcome for every pending order.
func (e *Executor) Process(ctx context.Context) ([]Result, error) {
	orders, err := e.orders.GetPendingOrders(ctx, e.addresses)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending orders: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}
	e.log.Debug("Processing pending orders", "count", len(orders))

	results := make([]Result, 0, len(orders))
	for i := range orders {
		results = append(results, e.process(ctx, &orders[i]))
	}
	return results, nil
}

func (e *Executor) process(ctx context.Context, order *orderbook.MatchedOrder) Result {
	action, err := e.mapper.Map(ctx, order)
	res := Result{OrderID: order.ID(), Kind: action.Kind, Err: err}

	if err != nil {
		res.Kind = Resolve(order)
		switch {
		case errors.Is(err, ErrForeignChain):
			e.log.Debug("Skipping order", "order", order.ID(), "reason", err)
		case errors.Is(err, swap.ErrTimelockNotExpired):
			e.log.Debug("Refund not due yet", "order", order.ID(), "reason", err)
			res.Kind = ActionNoOp
			res.Err = nil
		default:
			e.log.Warn("Failed to map order", "order", order.ID(), "error", err)
		}
		return res
	}
	if action.Kind == ActionNoOp {
		return res
	}

	txid, err := e.wallet.Broadcast(ctx, action.Tx)
	if err != nil {
		e.log.Error("Broadcast failed", "order", order.ID(), "action", action.Kind, "error", err)
		res.Err = err
		return res
	}

	res.TxID = txid
	e.log.Info("Broadcast transaction",
		"order", order.ID(),
		"action", action.Kind,
		"txid", txid,
		"htlc", action.HTLC.Address().EncodeAddress(),
	)
	return res
}
