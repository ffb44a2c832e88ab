// Package htlc builds the Taproot hashed-timelock contract used on the Bitcoin leg
// of a swap: the three spending leaves, the NUMS internal key, the script tree,
// the P2TR address and the witness stacks for each spend path.
package htlc

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Errors returned while building scripts or the tap tree.
var (
	ErrScriptConstruction  = errors.New("script construction failed")
	ErrTaprootFinalization = errors.New("taproot finalization failed")
)

const (
	// numsTag is hashed to the scalar r of the internal key H + r*G.
	numsTag = "KlingonHTLC"

	// bip341H is the BIP-341 "nothing up my sleeve" point H.
	bip341H = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

	// MaxTimelock is the largest block count a BIP-68 relative lock can express.
	MaxTimelock = 0xFFFF
)

var numsKey = mustComputeNUMS()

// NUMSKey returns the internal key for every HTLC output. It is H + r*G where
// r = SHA256(numsTag), so nobody knows its discrete log and the key path is unusable.
// The returned key has even Y (x-only form).
func NUMSKey() *btcec.PublicKey {
	return numsKey
}

func computeNUMS(tag string) (*btcec.PublicKey, error) {
	hBytes, err := hex.DecodeString(bip341H)
	if err != nil {
		return nil, err
	}
	h, err := secp256k1.ParsePubKey(hBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid H point: %w", err)
	}

	r := sha256.Sum256([]byte(tag))
	var k secp256k1.ModNScalar
	if overflow := k.SetBytes(&r); overflow != 0 {
		return nil, fmt.Errorf("tag hash overflows curve order")
	}

	var rG, hJ, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k, &rG)
	h.AsJacobian(&hJ)
	secp256k1.AddNonConst(&hJ, &rG, &sum)
	sum.ToAffine()

	full := secp256k1.NewPublicKey(&sum.X, &sum.Y)
	return schnorr.ParsePubKey(schnorr.SerializePubKey(full))
}

func mustComputeNUMS() *btcec.PublicKey {
	key, err := computeNUMS(numsTag)
	if err != nil {
		panic(fmt.Sprintf("htlc: NUMS key: %v", err))
	}
	return key
}

// RedeemScript builds the hashlock leaf:
// OP_SHA256 <secret_hash> OP_EQUALVERIFY <redeemer> OP_CHECKSIG
func RedeemScript(secretHash [32]byte, redeemer *btcec.PublicKey) ([]byte, error) {
	if redeemer == nil {
		return nil, fmt.Errorf("%w: redeemer pubkey is nil", ErrScriptConstruction)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(schnorr.SerializePubKey(redeemer))
	builder.AddOp(txscript.OP_CHECKSIG)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, err)
	}
	return script, nil
}

// RefundScript builds the relative-timelock leaf:
// <timelock> OP_CHECKSEQUENCEVERIFY OP_DROP <initiator> OP_CHECKSIG
func RefundScript(timelock uint32, initiator *btcec.PublicKey) ([]byte, error) {
	if initiator == nil {
		return nil, fmt.Errorf("%w: initiator pubkey is nil", ErrScriptConstruction)
	}
	if timelock == 0 {
		return nil, fmt.Errorf("%w: timelock must be > 0", ErrScriptConstruction)
	}
	if timelock > MaxTimelock {
		return nil, fmt.Errorf("%w: timelock %d exceeds %d blocks", ErrScriptConstruction, timelock, MaxTimelock)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(timelock))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(schnorr.SerializePubKey(initiator))
	builder.AddOp(txscript.OP_CHECKSIG)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, err)
	}
	return script, nil
}

// InstantRefundScript builds the cooperative 2-of-2 leaf:
// <initiator> OP_CHECKSIG <redeemer> OP_CHECKSIGADD 2 OP_NUMEQUAL
func InstantRefundScript(initiator, redeemer *btcec.PublicKey) ([]byte, error) {
	if initiator == nil || redeemer == nil {
		return nil, fmt.Errorf("%w: instant refund needs both pubkeys", ErrScriptConstruction)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(schnorr.SerializePubKey(initiator))
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddData(schnorr.SerializePubKey(redeemer))
	builder.AddOp(txscript.OP_CHECKSIGADD)
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_NUMEQUAL)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, err)
	}
	return script, nil
}

// ParseXOnlyPubKey parses a 32-byte x-only key or a 33-byte compressed key
// (reduced to its x coordinate).
func ParseXOnlyPubKey(b []byte) (*btcec.PublicKey, error) {
	switch len(b) {
	case schnorr.PubKeyBytesLen:
		key, err := schnorr.ParsePubKey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, err)
		}
		return key, nil
	case btcec.PubKeyBytesLenCompressed:
		full, err := btcec.ParsePubKey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, err)
		}
		return schnorr.ParsePubKey(schnorr.SerializePubKey(full))
	default:
		return nil, fmt.Errorf("%w: pubkey must be 32 or 33 bytes, got %d", ErrScriptConstruction, len(b))
	}
}
