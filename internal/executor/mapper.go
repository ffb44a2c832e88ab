package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
	"github.com/klingon-exchange/klingon-htlc/internal/wallet"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// DefaultInitAmount is funded when the create order's destination amount is unusable.
const DefaultInitAmount uint64 = 50000

// ErrForeignChain is returned when the leg an action applies to is not on the wallet's network.
var ErrForeignChain = errors.New("swap is not on the wallet's chain")

// Wallet builds, signs and broadcasts HTLC transactions.
type Wallet interface {
	Network() chain.Network
	Address() btcutil.Address
	InitiateHTLC(ctx context.Context, h *htlc.HTLC, amount uint64) (*wire.MsgTx, error)
	RedeemHTLC(ctx context.Context, h *htlc.HTLC, secretHex string, recipient btcutil.Address) (*wire.MsgTx, error)
	RefundHTLC(ctx context.Context, h *htlc.HTLC, recipient btcutil.Address) (*wire.MsgTx, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// Mapper turns a resolved order into a signed transaction.
type Mapper struct {
	wallet        Wallet
	defaultAmount uint64
}

// NewMapper returns a mapper funding defaultAmount sats when an order has no
// usable destination amount. Zero selects DefaultInitAmount.
func NewMapper(w Wallet, defaultAmount uint64) *Mapper {
	if defaultAmount == 0 {
		defaultAmount = DefaultInitAmount
	}
	return &Mapper{wallet: w, defaultAmount: defaultAmount}
}

// Map resolves the order and builds the transaction for the due action.
// NoOp actions carry no transaction.
func (m *Mapper) Map(ctx context.Context, order *orderbook.MatchedOrder) (Action, error) {
	action := Action{Kind: Resolve(order), OrderID: order.ID()}

	var err error
	switch action.Kind {
	case ActionInit:
		err = m.mapInit(ctx, order, &action)
	case ActionRedeem:
		err = m.mapRedeem(ctx, order, &action)
	case ActionRefund:
		err = m.mapRefund(ctx, order, &action)
	}
	if err != nil {
		return Action{Kind: ActionNoOp, OrderID: order.ID()}, fmt.Errorf("%s order %s: %w", action.Kind, order.ID(), err)
	}
	return action, nil
}

func (m *Mapper) mapInit(ctx context.Context, order *orderbook.MatchedOrder, action *Action) error {
	h, err := m.htlcFor(&order.DestinationSwap)
	if err != nil {
		return err
	}

	amount := m.initAmount(order)
	tx, err := m.wallet.InitiateHTLC(ctx, h, amount)
	if err != nil {
		return err
	}

	action.Tx = tx
	action.HTLC = h
	return nil
}

// mapRedeem claims the source leg with the secret revealed on the destination leg.
func (m *Mapper) mapRedeem(ctx context.Context, order *orderbook.MatchedOrder, action *Action) error {
	h, err := m.htlcFor(&order.SourceSwap)
	if err != nil {
		return err
	}

	secret := order.DestinationSwap.Secret
	tx, err := m.wallet.RedeemHTLC(ctx, h, secret, m.wallet.Address())
	if err != nil {
		return err
	}

	action.Tx = tx
	action.HTLC = h
	action.Secret = secret
	return nil
}

func (m *Mapper) mapRefund(ctx context.Context, order *orderbook.MatchedOrder, action *Action) error {
	h, err := m.htlcFor(&order.DestinationSwap)
	if err != nil {
		return err
	}

	recipient := m.wallet.Address()
	if addr := order.CreateOrder.BitcoinOptionalRecipient; addr != "" {
		recipient, err = wallet.ParseAddress(addr, m.wallet.Network())
		if err != nil {
			return fmt.Errorf("invalid refund recipient: %w", err)
		}
	}

	tx, err := m.wallet.RefundHTLC(ctx, h, recipient)
	if err != nil {
		return err
	}

	action.Tx = tx
	action.HTLC = h
	return nil
}

func (m *Mapper) initAmount(order *orderbook.MatchedOrder) uint64 {
	amount, err := helpers.ParseSats(order.CreateOrder.DestinationAmount)
	if err != nil || amount == 0 {
		return m.defaultAmount
	}
	return amount
}

func (m *Mapper) htlcFor(sw *orderbook.Swap) (*htlc.HTLC, error) {
	params, ok := chain.Get(m.wallet.Network())
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", m.wallet.Network())
	}
	if sw.Chain != params.ChainID {
		return nil, fmt.Errorf("%w: %s is on %s", ErrForeignChain, sw.SwapID, sw.Chain)
	}
	return sw.HTLC(m.wallet.Network())
}
