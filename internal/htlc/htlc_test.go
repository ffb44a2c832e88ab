package htlc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
)

const (
	testSecretHash = "a4ddaad30ff45cfcc7fbae1d49b78ef717341b2b81fdd73410200788b9220da4"
	testInitiator  = "aa86614fda03b039bf077e7be6531159c3b157166259168908097b9983156919"
	testRedeemer   = "4ee866579971fd784cad175fb000d1a5245c1a5031ce46fef44469000ebc8819"
)

func testParams(t *testing.T) *Params {
	t.Helper()
	p, err := NewParams(testSecretHash, testInitiator, testRedeemer, 12)
	if err != nil {
		t.Fatalf("NewParams() error = %v", err)
	}
	return p
}

func TestNewParams(t *testing.T) {
	p := testParams(t)

	if hex.EncodeToString(p.SecretHash[:]) != testSecretHash {
		t.Errorf("SecretHash = %x", p.SecretHash)
	}
	if hex.EncodeToString(schnorr.SerializePubKey(p.Initiator)) != testInitiator {
		t.Errorf("Initiator = %x", schnorr.SerializePubKey(p.Initiator))
	}
	if hex.EncodeToString(schnorr.SerializePubKey(p.Redeemer)) != testRedeemer {
		t.Errorf("Redeemer = %x", schnorr.SerializePubKey(p.Redeemer))
	}
	if p.Timelock != 12 {
		t.Errorf("Timelock = %d, want 12", p.Timelock)
	}
}

func TestNewParamsErrors(t *testing.T) {
	tests := []struct {
		name       string
		secretHash string
		initiator  string
		redeemer   string
	}{
		{"short hash", "abcd", testInitiator, testRedeemer},
		{"bad hash hex", "zz", testInitiator, testRedeemer},
		{"short initiator", testSecretHash, "aa86", testRedeemer},
		{"bad redeemer hex", testSecretHash, testInitiator, "not-hex"},
		{"x not on curve", testSecretHash, strings.Repeat("ff", 32), testRedeemer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParams(tt.secretHash, tt.initiator, tt.redeemer, 12)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrScriptConstruction) {
				t.Errorf("error = %v, want ErrScriptConstruction", err)
			}
		})
	}
}

func TestNewParamsAcceptsCompressedKeys(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	compressed := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	p, err := NewParams(testSecretHash, compressed, testRedeemer, 12)
	if err != nil {
		t.Fatalf("NewParams() error = %v", err)
	}
	if !bytes.Equal(schnorr.SerializePubKey(p.Initiator), schnorr.SerializePubKey(priv.PubKey())) {
		t.Error("compressed key should reduce to the same x-only key")
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	p := testParams(t)

	a1, err := DeriveAddress(p, chain.Mainnet)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	a2, err := DeriveAddress(p, chain.Mainnet)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}

	if a1.EncodeAddress() != a2.EncodeAddress() {
		t.Errorf("address not deterministic: %s != %s", a1.EncodeAddress(), a2.EncodeAddress())
	}
}

func TestDeriveAddressNetworks(t *testing.T) {
	p := testParams(t)

	tests := []struct {
		network chain.Network
		prefix  string
	}{
		{chain.Mainnet, "bc1p"},
		{chain.Testnet, "tb1p"},
		{chain.Signet, "tb1p"},
		{chain.Regtest, "bcrt1p"},
	}

	for _, tt := range tests {
		t.Run(string(tt.network), func(t *testing.T) {
			addr, err := DeriveAddress(p, tt.network)
			if err != nil {
				t.Fatalf("DeriveAddress() error = %v", err)
			}
			if !strings.HasPrefix(addr.EncodeAddress(), tt.prefix) {
				t.Errorf("address %s should start with %s", addr.EncodeAddress(), tt.prefix)
			}
		})
	}
}

func TestDeriveAddressInjective(t *testing.T) {
	base := testParams(t)
	baseAddr, err := DeriveAddress(base, chain.Testnet)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}

	otherHash := *base
	otherHash.SecretHash[0] ^= 0x01

	otherTimelock := *base
	otherTimelock.Timelock = 13

	swapped := *base
	swapped.Initiator, swapped.Redeemer = base.Redeemer, base.Initiator

	variants := map[string]*Params{
		"secret hash": &otherHash,
		"timelock":    &otherTimelock,
		"roles":       &swapped,
	}

	for name, p := range variants {
		addr, err := DeriveAddress(p, chain.Testnet)
		if err != nil {
			t.Fatalf("%s: DeriveAddress() error = %v", name, err)
		}
		if addr.EncodeAddress() == baseAddr.EncodeAddress() {
			t.Errorf("%s: changing params must change the address", name)
		}
	}
}

func TestNewUnknownNetwork(t *testing.T) {
	_, err := New(testParams(t), chain.Network("litecoin"))
	if !errors.Is(err, ErrScriptConstruction) {
		t.Errorf("error = %v, want ErrScriptConstruction", err)
	}
}

func TestControlBlocksCommitToLeaves(t *testing.T) {
	h, err := New(testParams(t), chain.Testnet)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	pkScript, err := h.PkScript()
	if err != nil {
		t.Fatalf("PkScript() error = %v", err)
	}
	if len(pkScript) != 34 || pkScript[0] != txscript.OP_1 {
		t.Fatalf("unexpected pkScript %x", pkScript)
	}
	if !h.MatchesScript(pkScript) {
		t.Error("MatchesScript should accept own pkScript")
	}

	tests := []struct {
		leaf    Leaf
		wantLen int
	}{
		{LeafRedeem, 33 + 32},
		{LeafRefund, 33 + 64},
		{LeafInstantRefund, 33 + 64},
	}

	for _, tt := range tests {
		t.Run(tt.leaf.String(), func(t *testing.T) {
			ctrlBytes, err := h.ControlBlock(tt.leaf)
			if err != nil {
				t.Fatalf("ControlBlock() error = %v", err)
			}
			if len(ctrlBytes) != tt.wantLen {
				t.Errorf("control block length = %d, want %d", len(ctrlBytes), tt.wantLen)
			}

			ctrl, err := txscript.ParseControlBlock(ctrlBytes)
			if err != nil {
				t.Fatalf("ParseControlBlock() error = %v", err)
			}
			script, _ := h.Script(tt.leaf)
			if err := txscript.VerifyTaprootLeafCommitment(ctrl, pkScript[2:], script); err != nil {
				t.Errorf("leaf commitment does not verify: %v", err)
			}
		})
	}
}

func TestScriptLayout(t *testing.T) {
	p := testParams(t)
	redeemer := schnorr.SerializePubKey(p.Redeemer)
	initiator := schnorr.SerializePubKey(p.Initiator)

	redeem, err := RedeemScript(p.SecretHash, p.Redeemer)
	if err != nil {
		t.Fatalf("RedeemScript() error = %v", err)
	}
	wantRedeem := []byte{txscript.OP_SHA256, txscript.OP_DATA_32}
	wantRedeem = append(wantRedeem, p.SecretHash[:]...)
	wantRedeem = append(wantRedeem, txscript.OP_EQUALVERIFY, txscript.OP_DATA_32)
	wantRedeem = append(wantRedeem, redeemer...)
	wantRedeem = append(wantRedeem, txscript.OP_CHECKSIG)
	if !bytes.Equal(redeem, wantRedeem) {
		t.Errorf("redeem script = %x, want %x", redeem, wantRedeem)
	}

	refund, err := RefundScript(12, p.Initiator)
	if err != nil {
		t.Fatalf("RefundScript() error = %v", err)
	}
	wantRefund := []byte{txscript.OP_12, txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP, txscript.OP_DATA_32}
	wantRefund = append(wantRefund, initiator...)
	wantRefund = append(wantRefund, txscript.OP_CHECKSIG)
	if !bytes.Equal(refund, wantRefund) {
		t.Errorf("refund script = %x, want %x", refund, wantRefund)
	}

	instant, err := InstantRefundScript(p.Initiator, p.Redeemer)
	if err != nil {
		t.Fatalf("InstantRefundScript() error = %v", err)
	}
	wantInstant := []byte{txscript.OP_DATA_32}
	wantInstant = append(wantInstant, initiator...)
	wantInstant = append(wantInstant, txscript.OP_CHECKSIG, txscript.OP_DATA_32)
	wantInstant = append(wantInstant, redeemer...)
	wantInstant = append(wantInstant, txscript.OP_CHECKSIGADD, txscript.OP_2, txscript.OP_NUMEQUAL)
	if !bytes.Equal(instant, wantInstant) {
		t.Errorf("instant refund script = %x, want %x", instant, wantInstant)
	}
}

func TestRefundScriptLargeTimelock(t *testing.T) {
	p := testParams(t)

	// 144 has the high bit set and needs a sign byte.
	refund, err := RefundScript(144, p.Initiator)
	if err != nil {
		t.Fatalf("RefundScript() error = %v", err)
	}
	if !bytes.HasPrefix(refund, []byte{0x02, 0x90, 0x00, txscript.OP_CHECKSEQUENCEVERIFY}) {
		t.Errorf("refund script prefix = %x", refund[:4])
	}
}

func TestScriptErrors(t *testing.T) {
	p := testParams(t)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"redeem nil key", func() error { _, err := RedeemScript(p.SecretHash, nil); return err }},
		{"refund nil key", func() error { _, err := RefundScript(12, nil); return err }},
		{"refund zero timelock", func() error { _, err := RefundScript(0, p.Initiator); return err }},
		{"refund timelock too large", func() error { _, err := RefundScript(MaxTimelock+1, p.Initiator); return err }},
		{"instant nil key", func() error { _, err := InstantRefundScript(p.Initiator, nil); return err }},
		{"parse wrong length", func() error { _, err := ParseXOnlyPubKey(make([]byte, 20)); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, ErrScriptConstruction) {
				t.Errorf("error = %v, want ErrScriptConstruction", err)
			}
		})
	}
}

func TestNUMSKey(t *testing.T) {
	key := NUMSKey()
	if key == nil {
		t.Fatal("NUMSKey() returned nil")
	}

	if key.SerializeCompressed()[0] != 0x02 {
		t.Error("NUMS key should have even Y")
	}

	again, err := computeNUMS(numsTag)
	if err != nil {
		t.Fatalf("computeNUMS() error = %v", err)
	}
	if !key.IsEqual(again) {
		t.Error("NUMS key should be deterministic")
	}

	other, err := computeNUMS("some-other-tag")
	if err != nil {
		t.Fatalf("computeNUMS() error = %v", err)
	}
	if key.IsEqual(other) {
		t.Error("different tags must give different keys")
	}

	h, _ := hex.DecodeString(bip341H)
	if bytes.Equal(schnorr.SerializePubKey(key), h[1:]) {
		t.Error("NUMS key must differ from H")
	}
}

func TestLeafString(t *testing.T) {
	if LeafRedeem.String() != "redeem" || LeafRefund.String() != "refund" || LeafInstantRefund.String() != "instant_refund" {
		t.Error("unexpected leaf names")
	}
	if Leaf(9).String() != "leaf(9)" {
		t.Errorf("unknown leaf = %s", Leaf(9).String())
	}
}
