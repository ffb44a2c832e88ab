package swap

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func scriptsForDust(t *testing.T) (p2wpkh, p2tr, p2pkh []byte) {
	t.Helper()
	priv, _ := btcec.NewPrivateKey()
	pub := priv.PubKey()
	params := &chaincfg.RegressionNetParams

	wpkh, _ := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	tr, _ := btcutil.NewAddressTaproot(make([]byte, 32), params)
	pkh, _ := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)

	var err error
	if p2wpkh, err = txscript.PayToAddrScript(wpkh); err != nil {
		t.Fatal(err)
	}
	if p2tr, err = txscript.PayToAddrScript(tr); err != nil {
		t.Fatal(err)
	}
	if p2pkh, err = txscript.PayToAddrScript(pkh); err != nil {
		t.Fatal(err)
	}
	return p2wpkh, p2tr, p2pkh
}

func TestDustThreshold(t *testing.T) {
	p2wpkh, p2tr, p2pkh := scriptsForDust(t)

	tests := []struct {
		name   string
		script []byte
		want   uint64
	}{
		{"p2wpkh", p2wpkh, 294},
		{"p2tr", p2tr, 330},
		{"p2pkh", p2pkh, 546},
		{"empty", nil, 546},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DustThreshold(tt.script); got != tt.want {
				t.Errorf("DustThreshold() = %d, want %d", got, tt.want)
			}
			if !IsDust(tt.want-1, tt.script) {
				t.Errorf("%d should be dust", tt.want-1)
			}
			if IsDust(tt.want, tt.script) {
				t.Errorf("%d should not be dust", tt.want)
			}
		})
	}
}

func TestEstimateFee(t *testing.T) {
	tests := []struct {
		inputs, outputs int
		rate            uint64
		want            uint64
	}{
		{1, 1, 20, 2260},
		{1, 2, 10, 1480},
		{2, 2, 10, 2160},
		{3, 2, 1, 284},
		{1, 1, 0, 0},
	}

	for _, tt := range tests {
		if got := EstimateFee(tt.inputs, tt.outputs, tt.rate); got != tt.want {
			t.Errorf("EstimateFee(%d, %d, %d) = %d, want %d", tt.inputs, tt.outputs, tt.rate, got, tt.want)
		}
	}
}

func TestFeePolicyDefaults(t *testing.T) {
	p := DefaultFeePolicy()
	if p.FundRate != 10 || p.RedeemRate != 20 || p.RefundRate != 20 {
		t.Errorf("DefaultFeePolicy() = %+v", p)
	}

	custom := FeePolicy{RedeemRate: 5}.WithDefaults()
	if custom.FundRate != 10 || custom.RedeemRate != 5 || custom.RefundRate != 20 {
		t.Errorf("WithDefaults() = %+v", custom)
	}
}
