package swap

import "github.com/btcsuite/btcd/txscript"

// Dust thresholds in satoshis by output type.
const (
	P2WPKHDustThreshold  uint64 = 294
	P2TRDustThreshold    uint64 = 330
	DefaultDustThreshold uint64 = 546
)

// Size estimate in vbytes. Inputs are priced as P2WPKH, outputs as the
// average of P2WPKH and P2TR.
const (
	txOverheadVBytes = 10
	inputVBytes      = 68
	outputVBytes     = 35
)

// Default fee rates in sat/vB.
const (
	DefaultFundFeeRate   uint64 = 10
	DefaultRedeemFeeRate uint64 = 20
	DefaultRefundFeeRate uint64 = 20
)

// DustThreshold returns the smallest relayable value for an output script.
func DustThreshold(pkScript []byte) uint64 {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.WitnessV0PubKeyHashTy:
		return P2WPKHDustThreshold
	case txscript.WitnessV1TaprootTy:
		return P2TRDustThreshold
	default:
		return DefaultDustThreshold
	}
}

// IsDust reports whether value is below the dust threshold of pkScript.
func IsDust(value uint64, pkScript []byte) bool {
	return value < DustThreshold(pkScript)
}

// EstimateFee returns feeRate × (10 + 68·inputs + 35·outputs).
func EstimateFee(inputs, outputs int, feeRate uint64) uint64 {
	vsize := uint64(txOverheadVBytes + inputVBytes*inputs + outputVBytes*outputs)
	return vsize * feeRate
}

// FeePolicy holds the fee rate used for each kind of transaction.
type FeePolicy struct {
	FundRate   uint64 `yaml:"fund_rate"`
	RedeemRate uint64 `yaml:"redeem_rate"`
	RefundRate uint64 `yaml:"refund_rate"`
}

// DefaultFeePolicy returns 10 sat/vB for funding and 20 sat/vB for spends.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		FundRate:   DefaultFundFeeRate,
		RedeemRate: DefaultRedeemFeeRate,
		RefundRate: DefaultRefundFeeRate,
	}
}

// WithDefaults fills zero rates from DefaultFeePolicy.
func (p FeePolicy) WithDefaults() FeePolicy {
	d := DefaultFeePolicy()
	if p.FundRate == 0 {
		p.FundRate = d.FundRate
	}
	if p.RedeemRate == 0 {
		p.RedeemRate = d.RedeemRate
	}
	if p.RefundRate == 0 {
		p.RefundRate = d.RefundRate
	}
	return p
}
