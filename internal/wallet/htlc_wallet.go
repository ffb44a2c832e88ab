package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/swap"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// ErrHTLCNotFunded is returned when a redeem or refund finds no UTXO at the HTLC address.
var ErrHTLCNotFunded = errors.New("HTLC address is not funded")

// HTLCWallet is a single-key P2WPKH wallet that funds, redeems and refunds HTLCs.
// The same key is used as the HTLC initiator and redeemer key (x-only form).
type HTLCWallet struct {
	privKey  *btcec.PrivateKey
	network  chain.Network
	address  *btcutil.AddressWitnessPubKeyHash
	pkScript []byte
	indexer  backend.Indexer
	fees     swap.FeePolicy
	log      *logging.Logger
}

// NewHTLCWallet creates a wallet for a private key.
func NewHTLCWallet(privKey *btcec.PrivateKey, network chain.Network, indexer backend.Indexer, fees swap.FeePolicy) (*HTLCWallet, error) {
	if privKey == nil {
		return nil, swap.ErrMissingKey
	}
	addr, err := DeriveP2WPKH(privKey.PubKey(), network)
	if err != nil {
		return nil, err
	}
	pkScript, err := AddressScript(addr)
	if err != nil {
		return nil, err
	}

	return &HTLCWallet{
		privKey:  privKey,
		network:  network,
		address:  addr,
		pkScript: pkScript,
		indexer:  indexer,
		fees:     fees.WithDefaults(),
		log:      logging.GetDefault().Component("wallet"),
	}, nil
}

// FromPrivateKeyHex creates a wallet from a 32-byte hex private key.
func FromPrivateKeyHex(keyHex string, network chain.Network, indexer backend.Indexer, fees swap.FeePolicy) (*HTLCWallet, error) {
	privKey, err := parsePrivateKeyHex(keyHex)
	if err != nil {
		return nil, err
	}
	return NewHTLCWallet(privKey, network, indexer, fees)
}

// FromWIF creates a wallet from a WIF-encoded private key.
func FromWIF(wif string, network chain.Network, indexer backend.Indexer, fees swap.FeePolicy) (*HTLCWallet, error) {
	privKey, err := WIFToPrivateKey(wif, network)
	if err != nil {
		return nil, err
	}
	return NewHTLCWallet(privKey, network, indexer, fees)
}

// FromMnemonic creates a wallet from the first BIP84 key of a mnemonic.
func FromMnemonic(mnemonic, passphrase string, network chain.Network, indexer backend.Indexer, fees swap.FeePolicy) (*HTLCWallet, error) {
	privKey, err := KeyFromMnemonic(mnemonic, passphrase, network, 0, 0)
	if err != nil {
		return nil, err
	}
	return NewHTLCWallet(privKey, network, indexer, fees)
}

func parsePrivateKeyHex(keyHex string) (*btcec.PrivateKey, error) {
	b, err := helpers.HexToBytes(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	privKey, _ := btcec.PrivKeyFromBytes(b)
	SecureClear(b)
	return privKey, nil
}

// SetLogger replaces the component logger.
func (w *HTLCWallet) SetLogger(l *logging.Logger) {
	w.log = l
}

// Network returns the wallet's network.
func (w *HTLCWallet) Network() chain.Network {
	return w.network
}

// Address returns the wallet's P2WPKH address.
func (w *HTLCWallet) Address() btcutil.Address {
	return w.address
}

// PkScript returns the wallet's output script.
func (w *HTLCWallet) PkScript() []byte {
	return w.pkScript
}

// PublicKey returns the wallet's public key.
func (w *HTLCWallet) PublicKey() *btcec.PublicKey {
	return w.privKey.PubKey()
}

// XOnlyPubKeyHex returns the 32-byte x-only public key as hex. This is the
// identity used on swap records.
func (w *HTLCWallet) XOnlyPubKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(w.privKey.PubKey()))
}

// Fees returns the fee policy in use.
func (w *HTLCWallet) Fees() swap.FeePolicy {
	return w.fees
}

// InitiateHTLC builds and signs a transaction paying amount to the HTLC address
// from the wallet's own UTXOs.
func (w *HTLCWallet) InitiateHTLC(ctx context.Context, h *htlc.HTLC, amount uint64) (*wire.MsgTx, error) {
	pkScript, err := h.PkScript()
	if err != nil {
		return nil, err
	}

	target := amount + swap.EstimateFee(1, 2, w.fees.FundRate)
	utxos, err := w.indexer.GetUTXOsForAmount(ctx, w.address.EncodeAddress(), target)
	if err != nil {
		return nil, fmt.Errorf("failed to select funding UTXOs: %w", err)
	}

	tx, err := swap.BuildFundTx(&swap.FundParams{
		UTXOs:        utxos,
		SenderScript: w.pkScript,
		HTLCScript:   pkScript,
		Amount:       amount,
		FeeRate:      w.fees.FundRate,
		PrivKey:      w.privKey,
	})
	if err != nil {
		return nil, err
	}

	w.log.Debug("Built HTLC funding tx",
		"htlc", h.Address().EncodeAddress(),
		"amount", amount,
		"inputs", len(tx.TxIn),
		"outputs", len(tx.TxOut),
	)
	return tx, nil
}

// RedeemHTLC claims the first UTXO at the HTLC address with the hex secret.
func (w *HTLCWallet) RedeemHTLC(ctx context.Context, h *htlc.HTLC, secretHex string, recipient btcutil.Address) (*wire.MsgTx, error) {
	secret, err := helpers.HexToBytes(secretHex)
	if err != nil {
		return nil, fmt.Errorf("invalid secret: %w", err)
	}
	destScript, err := AddressScript(recipient)
	if err != nil {
		return nil, err
	}

	utxo, err := w.htlcUTXO(ctx, h)
	if err != nil {
		return nil, err
	}

	tx, err := swap.BuildRedeemTx(&swap.RedeemParams{
		HTLC:       h,
		UTXO:       utxo,
		Secret:     secret,
		DestScript: destScript,
		FeeRate:    w.fees.RedeemRate,
		PrivKey:    w.privKey,
	})
	if err != nil {
		return nil, err
	}

	w.log.Debug("Built HTLC redeem tx",
		"htlc", h.Address().EncodeAddress(),
		"input", utxo.Value,
		"output", tx.TxOut[0].Value,
	)
	return tx, nil
}

// RefundHTLC reclaims the first UTXO at the HTLC address once its timelock has passed.
func (w *HTLCWallet) RefundHTLC(ctx context.Context, h *htlc.HTLC, recipient btcutil.Address) (*wire.MsgTx, error) {
	destScript, err := AddressScript(recipient)
	if err != nil {
		return nil, err
	}

	utxo, err := w.htlcUTXO(ctx, h)
	if err != nil {
		return nil, err
	}

	height, err := w.indexer.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block height: %w", err)
	}

	tx, err := swap.BuildRefundTx(&swap.RefundParams{
		HTLC:          h,
		UTXO:          utxo,
		CurrentHeight: height,
		DestScript:    destScript,
		FeeRate:       w.fees.RefundRate,
		PrivKey:       w.privKey,
	})
	if err != nil {
		return nil, err
	}

	w.log.Debug("Built HTLC refund tx",
		"htlc", h.Address().EncodeAddress(),
		"funded_at", utxo.BlockHeight,
		"height", height,
		"timelock", h.Params.Timelock,
	)
	return tx, nil
}

// Broadcast submits a signed transaction through the indexer.
func (w *HTLCWallet) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	return w.indexer.SubmitTx(ctx, tx)
}

func (w *HTLCWallet) htlcUTXO(ctx context.Context, h *htlc.HTLC) (backend.UTXO, error) {
	utxos, err := w.indexer.GetUTXOs(ctx, h.Address().EncodeAddress())
	if err != nil {
		return backend.UTXO{}, fmt.Errorf("failed to get HTLC UTXOs: %w", err)
	}
	if len(utxos) == 0 {
		return backend.UTXO{}, fmt.Errorf("%w: %s", ErrHTLCNotFunded, h.Address().EncodeAddress())
	}
	return utxos[0], nil
}
