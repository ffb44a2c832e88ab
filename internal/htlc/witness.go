package htlc

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Witness is a typed witness stack for one of the HTLC spend paths.
type Witness interface {
	Leaf() Leaf
	Stack() wire.TxWitness
}

// RedeemWitness spends the hashlock leaf.
// Stack: [sig, preimage, redeem_script, control_block]
type RedeemWitness struct {
	Sig          []byte
	Preimage     []byte
	Script       []byte
	ControlBlock []byte
}

func (w RedeemWitness) Leaf() Leaf { return LeafRedeem }

func (w RedeemWitness) Stack() wire.TxWitness {
	return wire.TxWitness{w.Sig, w.Preimage, w.Script, w.ControlBlock}
}

// RefundWitness spends the timelocked refund leaf.
// Stack: [sig, refund_script, control_block]
type RefundWitness struct {
	Sig          []byte
	Script       []byte
	ControlBlock []byte
}

func (w RefundWitness) Leaf() Leaf { return LeafRefund }

func (w RefundWitness) Stack() wire.TxWitness {
	return wire.TxWitness{w.Sig, w.Script, w.ControlBlock}
}

// InstantRefundWitness spends the cooperative leaf. The initiator key is checked
// first, so its signature must be on top of the stack:
// [redeemer_sig, initiator_sig, script, control_block].
type InstantRefundWitness struct {
	InitiatorSig []byte
	RedeemerSig  []byte
	Script       []byte
	ControlBlock []byte
}

func (w InstantRefundWitness) Leaf() Leaf { return LeafInstantRefund }

func (w InstantRefundWitness) Stack() wire.TxWitness {
	return wire.TxWitness{w.RedeemerSig, w.InitiatorSig, w.Script, w.ControlBlock}
}

// ParseRedeemWitness interprets a raw witness as a redeem spend. Stacks with
// fewer than four elements are rejected; nothing else about the shape is trusted.
func ParseRedeemWitness(stack [][]byte) (RedeemWitness, error) {
	if len(stack) < 4 {
		return RedeemWitness{}, fmt.Errorf("witness has %d elements, redeem needs 4", len(stack))
	}
	return RedeemWitness{
		Sig:          stack[0],
		Preimage:     stack[1],
		Script:       stack[2],
		ControlBlock: stack[3],
	}, nil
}
