package swap

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

type swapFixture struct {
	initiator *btcec.PrivateKey
	redeemer  *btcec.PrivateKey
	secret    []byte
	htlc      *htlc.HTLC
	pkScript  []byte
	dest      []byte
	utxo      backend.UTXO
}

func testKey(b byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{b}, 32))
	return priv
}

func testTxID(b byte) string {
	return strings.Repeat(string("0123456789abcdef"[b%16]), 64)
}

func p2wpkhScript(t *testing.T, priv *btcec.PrivateKey) []byte {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	if err != nil {
		t.Fatalf("NewAddressWitnessPubKeyHash() error = %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript() error = %v", err)
	}
	return script
}

func newSwapFixture(t *testing.T) *swapFixture {
	t.Helper()

	f := &swapFixture{
		initiator: testKey(0x11),
		redeemer:  testKey(0x22),
		secret:    bytes.Repeat([]byte{0x42}, 32),
	}

	params := &htlc.Params{
		SecretHash: htlc.HashSecret(f.secret),
		Initiator:  f.initiator.PubKey(),
		Redeemer:   f.redeemer.PubKey(),
		Timelock:   12,
	}
	h, err := htlc.New(params, chain.Regtest)
	if err != nil {
		t.Fatalf("htlc.New() error = %v", err)
	}
	f.htlc = h

	if f.pkScript, err = h.PkScript(); err != nil {
		t.Fatalf("PkScript() error = %v", err)
	}
	f.dest = p2wpkhScript(t, f.redeemer)
	f.utxo = backend.UTXO{
		TxID:        testTxID(1),
		Vout:        0,
		Value:       50000,
		Confirmed:   true,
		BlockHeight: 100,
	}
	return f
}

// verifyInput runs the script engine over one input.
func verifyInput(t *testing.T, tx *wire.MsgTx, idx int, fetcher txscript.PrevOutputFetcher) {
	t.Helper()

	prev := fetcher.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
	if prev == nil {
		t.Fatalf("no prevout for input %d", idx)
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(prev.PkScript, tx, idx, txscript.StandardVerifyFlags, nil, sigHashes, prev.Value, fetcher)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("input %d does not verify: %v", idx, err)
	}
}

func htlcFetcher(f *swapFixture) txscript.PrevOutputFetcher {
	return txscript.NewCannedPrevOutputFetcher(f.pkScript, int64(f.utxo.Value))
}

func TestBuildFundTx(t *testing.T) {
	f := newSwapFixture(t)
	sender := testKey(0x33)
	senderScript := p2wpkhScript(t, sender)

	utxos := []backend.UTXO{
		{TxID: testTxID(2), Vout: 0, Value: 30000},
		{TxID: testTxID(3), Vout: 1, Value: 40000},
	}

	tx, err := BuildFundTx(&FundParams{
		UTXOs:        utxos,
		SenderScript: senderScript,
		HTLCScript:   f.pkScript,
		Amount:       50000,
		FeeRate:      10,
		PrivKey:      sender,
	})
	if err != nil {
		t.Fatalf("BuildFundTx() error = %v", err)
	}

	if tx.Version != 2 || tx.LockTime != 0 {
		t.Errorf("version/locktime = %d/%d, want 2/0", tx.Version, tx.LockTime)
	}
	if len(tx.TxIn) != 2 || len(tx.TxOut) != 2 {
		t.Fatalf("got %d inputs, %d outputs, want 2/2", len(tx.TxIn), len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 50000 || !bytes.Equal(tx.TxOut[0].PkScript, f.pkScript) {
		t.Error("first output should pay the HTLC")
	}
	// 70000 - 50000 - 10*(10 + 2*68 + 2*35)
	if tx.TxOut[1].Value != 17840 {
		t.Errorf("change = %d, want 17840", tx.TxOut[1].Value)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		if in.Sequence != 0xfffffffd {
			t.Errorf("input %d sequence = %x, want fffffffd", i, in.Sequence)
		}
		if len(in.Witness) != 2 || len(in.Witness[1]) != 33 {
			t.Errorf("input %d witness should be [sig, compressed pubkey]", i)
		}
		if in.Witness[0][len(in.Witness[0])-1] != byte(txscript.SigHashAll) {
			t.Errorf("input %d signature should end with SIGHASH_ALL", i)
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(int64(utxos[i].Value), senderScript))
	}
	for i := range tx.TxIn {
		verifyInput(t, tx, i, fetcher)
	}
}

func TestBuildFundTxDustChange(t *testing.T) {
	f := newSwapFixture(t)
	sender := testKey(0x33)
	senderScript := p2wpkhScript(t, sender)

	// fee for 1 input / 2 outputs at 10 sat/vB is 1480; 200 sats change is dust.
	tx, err := BuildFundTx(&FundParams{
		UTXOs:        []backend.UTXO{{TxID: testTxID(2), Value: 51680}},
		SenderScript: senderScript,
		HTLCScript:   f.pkScript,
		Amount:       50000,
		FeeRate:      10,
		PrivKey:      sender,
	})
	if err != nil {
		t.Fatalf("BuildFundTx() error = %v", err)
	}
	if len(tx.TxOut) != 1 {
		t.Errorf("dust change should be dropped, got %d outputs", len(tx.TxOut))
	}
}

func TestBuildFundTxErrors(t *testing.T) {
	f := newSwapFixture(t)
	sender := testKey(0x33)
	senderScript := p2wpkhScript(t, sender)

	tests := []struct {
		name    string
		params  *FundParams
		wantErr error
	}{
		{
			name: "insufficient",
			params: &FundParams{
				UTXOs: []backend.UTXO{{TxID: testTxID(2), Value: 51000}}, SenderScript: senderScript,
				HTLCScript: f.pkScript, Amount: 50000, FeeRate: 10, PrivKey: sender,
			},
			wantErr: ErrInsufficientFunds,
		},
		{
			name: "no utxos",
			params: &FundParams{
				SenderScript: senderScript, HTLCScript: f.pkScript, Amount: 50000, FeeRate: 10, PrivKey: sender,
			},
			wantErr: ErrNoUTXOs,
		},
		{
			name: "bad txid",
			params: &FundParams{
				UTXOs: []backend.UTXO{{TxID: "xyz", Value: 90000}}, SenderScript: senderScript,
				HTLCScript: f.pkScript, Amount: 50000, FeeRate: 10, PrivKey: sender,
			},
			wantErr: ErrInvalidTxID,
		},
		{
			name: "no key",
			params: &FundParams{
				UTXOs: []backend.UTXO{{TxID: testTxID(2), Value: 90000}}, SenderScript: senderScript,
				HTLCScript: f.pkScript, Amount: 50000, FeeRate: 10,
			},
			wantErr: ErrMissingKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildFundTx(tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildRedeemTx(t *testing.T) {
	f := newSwapFixture(t)

	tx, err := BuildRedeemTx(&RedeemParams{
		HTLC:       f.htlc,
		UTXO:       f.utxo,
		Secret:     f.secret,
		DestScript: f.dest,
		FeeRate:    20,
		PrivKey:    f.redeemer,
	})
	if err != nil {
		t.Fatalf("BuildRedeemTx() error = %v", err)
	}

	if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		t.Fatalf("got %d inputs, %d outputs, want 1/1", len(tx.TxIn), len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 50000-2260 {
		t.Errorf("output = %d, want %d", tx.TxOut[0].Value, 50000-2260)
	}
	if tx.TxIn[0].Sequence != 0xfffffffe || tx.LockTime != 0 {
		t.Errorf("sequence/locktime = %x/%d", tx.TxIn[0].Sequence, tx.LockTime)
	}

	w := tx.TxIn[0].Witness
	if len(w) != 4 {
		t.Fatalf("witness has %d items, want 4", len(w))
	}
	if len(w[0]) != 65 || w[0][64] != byte(txscript.SigHashAll) {
		t.Errorf("signature should be 64 bytes + SIGHASH_ALL, got %d bytes", len(w[0]))
	}
	if !bytes.Equal(w[1], f.secret) || !bytes.Equal(w[2], f.htlc.RedeemScript) {
		t.Error("witness should carry the secret and the redeem script")
	}

	verifyInput(t, tx, 0, htlcFetcher(f))
}

func TestBuildRedeemTxErrors(t *testing.T) {
	f := newSwapFixture(t)

	wrongSecret := bytes.Repeat([]byte{0x43}, 32)
	small := f.utxo
	small.Value = 2500 // 240 after fee
	tiny := f.utxo
	tiny.Value = 2000

	tests := []struct {
		name    string
		secret  []byte
		utxo    backend.UTXO
		wantErr error
	}{
		{"wrong secret", wrongSecret, f.utxo, ErrSecretMismatch},
		{"dust output", f.secret, small, ErrDustOutput},
		{"fee exceeds value", f.secret, tiny, ErrDustOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRedeemTx(&RedeemParams{
				HTLC: f.htlc, UTXO: tt.utxo, Secret: tt.secret, DestScript: f.dest, FeeRate: 20, PrivKey: f.redeemer,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildRedeemTxWrongKeyFailsVerification(t *testing.T) {
	f := newSwapFixture(t)

	tx, err := BuildRedeemTx(&RedeemParams{
		HTLC: f.htlc, UTXO: f.utxo, Secret: f.secret, DestScript: f.dest, FeeRate: 20, PrivKey: f.initiator,
	})
	if err != nil {
		t.Fatalf("BuildRedeemTx() error = %v", err)
	}

	fetcher := htlcFetcher(f)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(f.pkScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, int64(f.utxo.Value), fetcher)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := vm.Execute(); err == nil {
		t.Error("initiator signature must not satisfy the redeem leaf")
	}
}

func TestBuildRefundTxTimelock(t *testing.T) {
	f := newSwapFixture(t)
	unconfirmed := f.utxo
	unconfirmed.Confirmed = false
	unconfirmed.BlockHeight = 0

	tests := []struct {
		name          string
		utxo          backend.UTXO
		height        int64
		wantRemaining uint32
	}{
		{"just funded", f.utxo, 100, 12},
		{"five blocks later", f.utxo, 105, 7},
		{"one block short", f.utxo, 111, 1},
		{"unconfirmed", unconfirmed, 500, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRefundTx(&RefundParams{
				HTLC: f.htlc, UTXO: tt.utxo, CurrentHeight: tt.height, DestScript: f.dest, FeeRate: 20, PrivKey: f.initiator,
			})
			if !errors.Is(err, ErrTimelockNotExpired) {
				t.Fatalf("error = %v, want ErrTimelockNotExpired", err)
			}
			var tle *TimelockNotExpiredError
			if !errors.As(err, &tle) {
				t.Fatalf("error should be *TimelockNotExpiredError, got %T", err)
			}
			if tle.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", tle.Remaining, tt.wantRemaining)
			}
		})
	}
}

func TestBuildRefundTx(t *testing.T) {
	f := newSwapFixture(t)

	tx, err := BuildRefundTx(&RefundParams{
		HTLC:          f.htlc,
		UTXO:          f.utxo,
		CurrentHeight: 112,
		DestScript:    f.dest,
		FeeRate:       20,
		PrivKey:       f.initiator,
	})
	if err != nil {
		t.Fatalf("BuildRefundTx() error = %v", err)
	}

	if tx.LockTime != 112 {
		t.Errorf("locktime = %d, want 112", tx.LockTime)
	}
	if tx.TxIn[0].Sequence != 12 {
		t.Errorf("sequence = %d, want 12", tx.TxIn[0].Sequence)
	}
	if len(tx.TxIn[0].Witness) != 3 {
		t.Fatalf("witness has %d items, want 3", len(tx.TxIn[0].Witness))
	}
	if !bytes.Equal(tx.TxIn[0].Witness[1], f.htlc.RefundScript) {
		t.Error("witness should carry the refund script")
	}
	if tx.TxOut[0].Value != 50000-2260 {
		t.Errorf("output = %d, want %d", tx.TxOut[0].Value, 50000-2260)
	}

	verifyInput(t, tx, 0, htlcFetcher(f))
}

func TestRefundSequenceBelowTimelockFailsCSV(t *testing.T) {
	f := newSwapFixture(t)

	tx, err := BuildRefundTx(&RefundParams{
		HTLC: f.htlc, UTXO: f.utxo, CurrentHeight: 200, DestScript: f.dest, FeeRate: 20, PrivKey: f.initiator,
	})
	if err != nil {
		t.Fatalf("BuildRefundTx() error = %v", err)
	}

	tx.TxIn[0].Sequence = 11
	fetcher := htlcFetcher(f)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(f.pkScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, int64(f.utxo.Value), fetcher)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := vm.Execute(); err == nil {
		t.Error("sequence below the timelock must fail OP_CHECKSEQUENCEVERIFY")
	}
}

func TestInstantRefund(t *testing.T) {
	f := newSwapFixture(t)
	refundTo := p2wpkhScript(t, f.initiator)

	tx, err := BuildInstantRefundTx(&InstantRefundParams{
		HTLC: f.htlc, UTXO: f.utxo, DestScript: refundTo, FeeRate: 20,
	})
	if err != nil {
		t.Fatalf("BuildInstantRefundTx() error = %v", err)
	}

	sighash, err := InstantRefundSigHash(tx, f.htlc, f.utxo)
	if err != nil || len(sighash) != chainhash.HashSize {
		t.Fatalf("InstantRefundSigHash() = %x, %v", sighash, err)
	}

	initSig, err := SignInstantRefund(tx, f.htlc, f.utxo, f.initiator)
	if err != nil {
		t.Fatalf("SignInstantRefund(initiator) error = %v", err)
	}
	redSig, err := SignInstantRefund(tx, f.htlc, f.utxo, f.redeemer)
	if err != nil {
		t.Fatalf("SignInstantRefund(redeemer) error = %v", err)
	}

	if err := FinalizeInstantRefund(tx, f.htlc, initSig, redSig); err != nil {
		t.Fatalf("FinalizeInstantRefund() error = %v", err)
	}
	if len(tx.TxIn[0].Witness) != 4 {
		t.Fatalf("witness has %d items, want 4", len(tx.TxIn[0].Witness))
	}

	verifyInput(t, tx, 0, htlcFetcher(f))
}

func TestInstantRefundSwappedSignaturesFail(t *testing.T) {
	f := newSwapFixture(t)

	tx, err := BuildInstantRefundTx(&InstantRefundParams{HTLC: f.htlc, UTXO: f.utxo, DestScript: f.dest, FeeRate: 20})
	if err != nil {
		t.Fatalf("BuildInstantRefundTx() error = %v", err)
	}
	initSig, _ := SignInstantRefund(tx, f.htlc, f.utxo, f.initiator)
	redSig, _ := SignInstantRefund(tx, f.htlc, f.utxo, f.redeemer)

	if err := FinalizeInstantRefund(tx, f.htlc, redSig, initSig); err != nil {
		t.Fatalf("FinalizeInstantRefund() error = %v", err)
	}

	fetcher := htlcFetcher(f)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(f.pkScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, int64(f.utxo.Value), fetcher)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := vm.Execute(); err == nil {
		t.Error("signatures in the wrong slots must not verify")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := newSwapFixture(t)

	tx, err := BuildRedeemTx(&RedeemParams{
		HTLC: f.htlc, UTXO: f.utxo, Secret: f.secret, DestScript: f.dest, FeeRate: 20, PrivKey: f.redeemer,
	})
	if err != nil {
		t.Fatalf("BuildRedeemTx() error = %v", err)
	}

	raw, err := SerializeTx(tx)
	if err != nil {
		t.Fatalf("SerializeTx() error = %v", err)
	}
	decoded, err := DeserializeTx(raw)
	if err != nil {
		t.Fatalf("DeserializeTx() error = %v", err)
	}
	if decoded.TxHash() != tx.TxHash() || decoded.WitnessHash() != tx.WitnessHash() {
		t.Error("round trip changed the transaction")
	}

	if _, err := DeserializeTx("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}
