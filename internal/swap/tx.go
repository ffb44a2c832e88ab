// Package swap builds and signs the Bitcoin transactions of an HTLC swap:
// funding the HTLC address from P2WPKH coins, redeeming it with the secret,
// refunding it after the relative timelock, and the cooperative instant refund.
//
// Builders take UTXOs already fetched from the indexer; nothing here does I/O.
package swap

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// Transaction errors
var (
	ErrInsufficientFunds  = backend.ErrInsufficientFunds
	ErrNoUTXOs            = errors.New("no UTXOs available")
	ErrInvalidTxID        = errors.New("invalid transaction ID")
	ErrSecretMismatch     = errors.New("secret does not match secret hash")
	ErrDustOutput         = errors.New("output would be dust")
	ErrTimelockNotExpired = errors.New("timelock not expired")
	ErrMissingKey         = errors.New("private key required")

	errMissingHTLC = errors.New("htlc required")
)

// Input sequences.
const (
	// SequenceRBF signals replaceability and leaves relative locks disabled.
	SequenceRBF = wire.MaxTxInSequenceNum - 2
	// SequenceFinal enables nLockTime without opting into RBF.
	SequenceFinal = wire.MaxTxInSequenceNum - 1
)

// TimelockNotExpiredError is returned by BuildRefundTx while the HTLC output
// is younger than its timelock.
type TimelockNotExpiredError struct {
	Remaining uint32 // blocks left until the refund leaf is spendable
}

func (e *TimelockNotExpiredError) Error() string {
	return fmt.Sprintf("timelock not expired: %d blocks remaining", e.Remaining)
}

// Is lets errors.Is match ErrTimelockNotExpired.
func (e *TimelockNotExpiredError) Is(target error) bool {
	return target == ErrTimelockNotExpired
}

// FundParams contains parameters for the HTLC funding transaction.
type FundParams struct {
	// P2WPKH coins owned by PrivKey; change returns to SenderScript.
	UTXOs        []backend.UTXO
	SenderScript []byte

	// HTLC output
	HTLCScript []byte
	Amount     uint64

	FeeRate uint64 // sat/vB
	PrivKey *btcec.PrivateKey
}

// BuildFundTx pays Amount to the HTLC script and signs every input.
//
// The fee is always estimated for two outputs. Change below the dust
// threshold of the sender script is left to the miner.
func BuildFundTx(params *FundParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, ErrMissingKey
	}
	if len(params.UTXOs) == 0 {
		return nil, ErrNoUTXOs
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = 0

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	var totalInput uint64
	for _, utxo := range params.UTXOs {
		outpoint, err := outPoint(utxo)
		if err != nil {
			return nil, err
		}
		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = SequenceRBF
		tx.AddTxIn(txIn)

		fetcher.AddPrevOut(*outpoint, wire.NewTxOut(int64(utxo.Value), params.SenderScript))
		totalInput += utxo.Value
	}

	fee := EstimateFee(len(params.UTXOs), 2, params.FeeRate)
	if totalInput < params.Amount+fee {
		return nil, fmt.Errorf("%w: need %d sats, have %d sats", ErrInsufficientFunds, params.Amount+fee, totalInput)
	}

	tx.AddTxOut(wire.NewTxOut(int64(params.Amount), params.HTLCScript))

	change := totalInput - params.Amount - fee
	if change > 0 && !IsDust(change, params.SenderScript) {
		tx.AddTxOut(wire.NewTxOut(int64(change), params.SenderScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	pubKey := params.PrivKey.PubKey().SerializeCompressed()

	for i, utxo := range params.UTXOs {
		sighash, err := txscript.CalcWitnessSigHash(
			params.SenderScript,
			sigHashes,
			txscript.SigHashAll,
			tx,
			i,
			int64(utxo.Value),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to compute sighash for input %d: %w", i, err)
		}

		sig := btcecdsa.Sign(params.PrivKey, sighash)
		sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

		tx.TxIn[i].Witness = wire.TxWitness{sigBytes, pubKey}
	}

	return tx, nil
}

// RedeemParams contains parameters for claiming an HTLC with its secret.
type RedeemParams struct {
	HTLC       *htlc.HTLC
	UTXO       backend.UTXO
	Secret     []byte
	DestScript []byte
	FeeRate    uint64
	PrivKey    *btcec.PrivateKey // redeemer key
}

// BuildRedeemTx spends the HTLC output through the hashlock leaf.
//
// Witness structure: [signature, secret, redeem_script, control_block]
func BuildRedeemTx(params *RedeemParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, ErrMissingKey
	}
	if params.HTLC == nil {
		return nil, errMissingHTLC
	}
	if !htlc.VerifySecret(params.Secret, params.HTLC.Params.SecretHash) {
		return nil, ErrSecretMismatch
	}

	tx, err := buildSpendTx(params.HTLC, params.UTXO, params.DestScript, params.FeeRate, SequenceFinal, 0)
	if err != nil {
		return nil, err
	}

	sig, err := signLeaf(tx, params.HTLC, params.UTXO, htlc.LeafRedeem, params.PrivKey)
	if err != nil {
		return nil, err
	}
	ctrl, err := params.HTLC.ControlBlock(htlc.LeafRedeem)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = htlc.RedeemWitness{
		Sig:          sig,
		Preimage:     params.Secret,
		Script:       params.HTLC.RedeemScript,
		ControlBlock: ctrl,
	}.Stack()

	return tx, nil
}

// RefundParams contains parameters for reclaiming an expired HTLC.
type RefundParams struct {
	HTLC          *htlc.HTLC
	UTXO          backend.UTXO
	CurrentHeight int64
	DestScript    []byte
	FeeRate       uint64
	PrivKey       *btcec.PrivateKey // initiator key
}

// BuildRefundTx spends the HTLC output through the timelock leaf.
//
// The output must have been confirmed for at least Timelock blocks. The input
// sequence carries the timelock so OP_CHECKSEQUENCEVERIFY is satisfied, and
// nLockTime is set to the current height.
//
// Witness structure: [signature, refund_script, control_block]
func BuildRefundTx(params *RefundParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, ErrMissingKey
	}
	if params.HTLC == nil {
		return nil, errMissingHTLC
	}

	timelock := params.HTLC.Params.Timelock
	if remaining := RefundBlocksRemaining(params.UTXO, timelock, params.CurrentHeight); remaining > 0 {
		return nil, &TimelockNotExpiredError{Remaining: remaining}
	}

	tx, err := buildSpendTx(params.HTLC, params.UTXO, params.DestScript, params.FeeRate, timelock, uint32(params.CurrentHeight))
	if err != nil {
		return nil, err
	}

	sig, err := signLeaf(tx, params.HTLC, params.UTXO, htlc.LeafRefund, params.PrivKey)
	if err != nil {
		return nil, err
	}
	ctrl, err := params.HTLC.ControlBlock(htlc.LeafRefund)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = htlc.RefundWitness{
		Sig:          sig,
		Script:       params.HTLC.RefundScript,
		ControlBlock: ctrl,
	}.Stack()

	return tx, nil
}

// RefundBlocksRemaining returns how many blocks must still be mined before
// the refund leaf of a UTXO can be used. Unconfirmed outputs always report
// the full timelock.
func RefundBlocksRemaining(utxo backend.UTXO, timelock uint32, currentHeight int64) uint32 {
	if !utxo.Confirmed || utxo.BlockHeight <= 0 {
		return timelock
	}
	unlock := utxo.BlockHeight + int64(timelock)
	if currentHeight >= unlock {
		return 0
	}
	return uint32(unlock - currentHeight)
}

// InstantRefundParams contains parameters for the cooperative refund.
type InstantRefundParams struct {
	HTLC       *htlc.HTLC
	UTXO       backend.UTXO
	DestScript []byte
	FeeRate    uint64
}

// BuildInstantRefundTx returns the unsigned cooperative refund transaction.
// Both parties sign it with SignInstantRefund and one of them assembles the
// witness with FinalizeInstantRefund.
func BuildInstantRefundTx(params *InstantRefundParams) (*wire.MsgTx, error) {
	return buildSpendTx(params.HTLC, params.UTXO, params.DestScript, params.FeeRate, SequenceFinal, 0)
}

// InstantRefundSigHash returns the tapscript sighash both parties sign.
func InstantRefundSigHash(tx *wire.MsgTx, h *htlc.HTLC, utxo backend.UTXO) ([]byte, error) {
	return leafSigHash(tx, h, utxo, htlc.LeafInstantRefund)
}

// SignInstantRefund signs the instant refund leaf with one party's key.
func SignInstantRefund(tx *wire.MsgTx, h *htlc.HTLC, utxo backend.UTXO, privKey *btcec.PrivateKey) ([]byte, error) {
	if privKey == nil {
		return nil, ErrMissingKey
	}
	return signLeaf(tx, h, utxo, htlc.LeafInstantRefund, privKey)
}

// FinalizeInstantRefund attaches both signatures to the refund input.
func FinalizeInstantRefund(tx *wire.MsgTx, h *htlc.HTLC, initiatorSig, redeemerSig []byte) error {
	if len(tx.TxIn) != 1 {
		return fmt.Errorf("instant refund expects 1 input, got %d", len(tx.TxIn))
	}
	ctrl, err := h.ControlBlock(htlc.LeafInstantRefund)
	if err != nil {
		return err
	}
	tx.TxIn[0].Witness = htlc.InstantRefundWitness{
		InitiatorSig: initiatorSig,
		RedeemerSig:  redeemerSig,
		Script:       h.InstantRefundScript,
		ControlBlock: ctrl,
	}.Stack()
	return nil
}

// buildSpendTx creates the 1-in/1-out skeleton shared by every HTLC spend.
func buildSpendTx(h *htlc.HTLC, utxo backend.UTXO, destScript []byte, feeRate uint64, sequence, lockTime uint32) (*wire.MsgTx, error) {
	if h == nil {
		return nil, errMissingHTLC
	}

	fee := EstimateFee(1, 1, feeRate)
	if utxo.Value <= fee {
		return nil, fmt.Errorf("%w: htlc value %d does not cover fee %d", ErrDustOutput, utxo.Value, fee)
	}
	value := utxo.Value - fee
	if IsDust(value, destScript) {
		return nil, fmt.Errorf("%w: %d sats (threshold %d)", ErrDustOutput, value, DustThreshold(destScript))
	}

	outpoint, err := outPoint(utxo)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime

	txIn := wire.NewTxIn(outpoint, nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(value), destScript))

	return tx, nil
}

func leafSigHash(tx *wire.MsgTx, h *htlc.HTLC, utxo backend.UTXO, leaf htlc.Leaf) ([]byte, error) {
	pkScript, err := h.PkScript()
	if err != nil {
		return nil, err
	}
	tapLeaf, err := h.TapLeaf(leaf)
	if err != nil {
		return nil, err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(utxo.Value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	sighash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes,
		txscript.SigHashAll,
		tx,
		0,
		fetcher,
		tapLeaf,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute tapscript sighash: %w", err)
	}
	return sighash, nil
}

// signLeaf returns a Schnorr signature with the SIGHASH_ALL byte appended.
func signLeaf(tx *wire.MsgTx, h *htlc.HTLC, utxo backend.UTXO, leaf htlc.Leaf, privKey *btcec.PrivateKey) ([]byte, error) {
	sighash, err := leafSigHash(tx, h, utxo, leaf)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(privKey, sighash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", leaf, err)
	}
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

func outPoint(utxo backend.UTXO) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(utxo.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, utxo.TxID)
	}
	return wire.NewOutPoint(hash, utxo.Vout), nil
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx deserializes a transaction from hex.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}
