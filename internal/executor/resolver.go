// Package executor drives matched orders forward on the Bitcoin leg. Each tick
// it resolves the action due for every pending order, builds and signs the
// transaction through the wallet, and broadcasts it.
package executor

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
)

// ActionKind is the step due for a matched order.
type ActionKind int

const (
	ActionNoOp ActionKind = iota
	ActionInit
	ActionRedeem
	ActionRefund
)

func (k ActionKind) String() string {
	switch k {
	case ActionInit:
		return "init"
	case ActionRedeem:
		return "redeem"
	case ActionRefund:
		return "refund"
	default:
		return "noop"
	}
}

// Action is a resolved order together with the signed transaction that carries it out.
type Action struct {
	Kind    ActionKind
	OrderID string
	Tx      *wire.MsgTx
	HTLC    *htlc.HTLC
	Secret  string // redeem only
}

// Resolve returns the action due for an order. Rules are checked in order
// and the first match wins:
//
//  1. init when the destination leg has no initiate tx
//  2. redeem when the source leg has no redeem tx and the destination secret is revealed
//  3. refund when the destination leg is initiated with its block recorded,
//     is not refunded, and neither leg is redeemed
//  4. no-op otherwise
//
// A refund that is due here may still be early: the wallet refuses to build
// it until the tip reaches the funding height plus the timelock.
func Resolve(order *orderbook.MatchedOrder) ActionKind {
	src, dst := &order.SourceSwap, &order.DestinationSwap

	switch {
	case dst.InitiateTxHash == "":
		return ActionInit
	case src.RedeemTxHash == "" && dst.Secret != "":
		return ActionRedeem
	case dst.InitiateBlockNumber != "" && dst.RefundTxHash == "" &&
		dst.RedeemTxHash == "" && src.RedeemTxHash == "":
		return ActionRefund
	default:
		return ActionNoOp
	}
}
