package htlc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// Leaf identifies one spending path of the HTLC tree.
type Leaf int

const (
	LeafRedeem Leaf = iota
	LeafRefund
	LeafInstantRefund
)

func (l Leaf) String() string {
	switch l {
	case LeafRedeem:
		return "redeem"
	case LeafRefund:
		return "refund"
	case LeafInstantRefund:
		return "instant_refund"
	default:
		return fmt.Sprintf("leaf(%d)", int(l))
	}
}

// Params fully determine an HTLC output.
type Params struct {
	SecretHash [32]byte
	Initiator  *btcec.PublicKey // refund key
	Redeemer   *btcec.PublicKey // hashlock key
	Timelock   uint32           // relative, in blocks
}

// NewParams parses the hex encodings stored on swap records.
func NewParams(secretHashHex, initiatorHex, redeemerHex string, timelock uint32) (*Params, error) {
	secretHash, err := helpers.HexToBytes32(secretHashHex)
	if err != nil {
		return nil, fmt.Errorf("%w: secret hash: %v", ErrScriptConstruction, err)
	}

	initiator, err := parseKeyHex(initiatorHex)
	if err != nil {
		return nil, fmt.Errorf("initiator: %w", err)
	}
	redeemer, err := parseKeyHex(redeemerHex)
	if err != nil {
		return nil, fmt.Errorf("redeemer: %w", err)
	}

	return &Params{
		SecretHash: secretHash,
		Initiator:  initiator,
		Redeemer:   redeemer,
		Timelock:   timelock,
	}, nil
}

func parseKeyHex(s string) (*btcec.PublicKey, error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, err)
	}
	return ParseXOnlyPubKey(b)
}

// HTLC is a finalized Taproot HTLC: scripts, tree, output key and address.
type HTLC struct {
	Params  Params
	Network chain.Network

	RedeemScript        []byte
	RefundScript        []byte
	InstantRefundScript []byte

	InternalKey *btcec.PublicKey
	OutputKey   *btcec.PublicKey
	MerkleRoot  []byte

	tree    *txscript.IndexedTapScriptTree
	address *btcutil.AddressTaproot
}

// New builds the three leaves, assembles them into the tap tree, tweaks the
// NUMS internal key and derives the P2TR address for the network.
//
// The redeem leaf sits at depth 1 and the two refund leaves at depth 2, so the
// common case carries the shortest control block.
func New(params *Params, network chain.Network) (*HTLC, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: nil params", ErrScriptConstruction)
	}
	netParams, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("%w: unknown network %q", ErrScriptConstruction, network)
	}

	redeem, err := RedeemScript(params.SecretHash, params.Redeemer)
	if err != nil {
		return nil, err
	}
	refund, err := RefundScript(params.Timelock, params.Initiator)
	if err != nil {
		return nil, err
	}
	instant, err := InstantRefundScript(params.Initiator, params.Redeemer)
	if err != nil {
		return nil, err
	}

	// The odd leaf out is merged with the first branch, which places it one
	// level above the other two.
	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(refund),
		txscript.NewBaseTapLeaf(instant),
		txscript.NewBaseTapLeaf(redeem),
	)
	if tree == nil || tree.RootNode == nil || len(tree.LeafMerkleProofs) != 3 {
		return nil, fmt.Errorf("%w: tree does not hold exactly 3 leaves", ErrTaprootFinalization)
	}

	internalKey := NUMSKey()
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, root[:])

	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), netParams.Net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaprootFinalization, err)
	}

	return &HTLC{
		Params:              *params,
		Network:             network,
		RedeemScript:        redeem,
		RefundScript:        refund,
		InstantRefundScript: instant,
		InternalKey:         internalKey,
		OutputKey:           outputKey,
		MerkleRoot:          root[:],
		tree:                tree,
		address:             addr,
	}, nil
}

// DeriveAddress is a convenience wrapper returning only the P2TR address.
func DeriveAddress(params *Params, network chain.Network) (btcutil.Address, error) {
	h, err := New(params, network)
	if err != nil {
		return nil, err
	}
	return h.Address(), nil
}

// Address returns the P2TR address.
func (h *HTLC) Address() btcutil.Address {
	return h.address
}

// ChainParams returns the btcd params of the HTLC's network.
func (h *HTLC) ChainParams() *chaincfg.Params {
	return chain.MustGet(h.Network).Net
}

// PkScript returns the output script: OP_1 <32-byte output key>.
func (h *HTLC) PkScript() ([]byte, error) {
	return txscript.PayToAddrScript(h.address)
}

// Script returns the raw script of a leaf.
func (h *HTLC) Script(leaf Leaf) ([]byte, error) {
	switch leaf {
	case LeafRedeem:
		return h.RedeemScript, nil
	case LeafRefund:
		return h.RefundScript, nil
	case LeafInstantRefund:
		return h.InstantRefundScript, nil
	default:
		return nil, fmt.Errorf("unknown leaf %d", int(leaf))
	}
}

// TapLeaf returns the tapscript leaf for a spending path.
func (h *HTLC) TapLeaf(leaf Leaf) (txscript.TapLeaf, error) {
	script, err := h.Script(leaf)
	if err != nil {
		return txscript.TapLeaf{}, err
	}
	return txscript.NewBaseTapLeaf(script), nil
}

// ControlBlock returns the serialized control block proving a leaf's inclusion.
func (h *HTLC) ControlBlock(leaf Leaf) ([]byte, error) {
	tapLeaf, err := h.TapLeaf(leaf)
	if err != nil {
		return nil, err
	}

	idx, ok := h.tree.LeafProofIndex[tapLeaf.TapHash()]
	if !ok {
		return nil, fmt.Errorf("%w: %s leaf missing from tree", ErrTaprootFinalization, leaf)
	}

	ctrl := h.tree.LeafMerkleProofs[idx].ToControlBlock(h.InternalKey)
	ctrlBytes, err := ctrl.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize control block: %v", ErrTaprootFinalization, err)
	}
	return ctrlBytes, nil
}

// MatchesScript reports whether pkScript pays to this HTLC.
func (h *HTLC) MatchesScript(pkScript []byte) bool {
	own, err := h.PkScript()
	if err != nil {
		return false
	}
	return bytes.Equal(own, pkScript)
}
