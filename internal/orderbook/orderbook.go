// Package orderbook defines the cross-chain order and swap records the
// executor and watcher operate on, the interfaces they are read and mutated
// through, and an in-memory implementation.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// PendingOrderLimit bounds GetPendingOrders to the oldest matched orders.
const PendingOrderLimit = 1000

var (
	ErrOrderNotFound = errors.New("matched order not found")
	ErrSwapNotFound  = errors.New("swap not found")
	ErrHTLCNotFound  = errors.New("tracked HTLC not found")
	ErrOrderExists   = errors.New("matched order already exists")
)

// Swap is one leg of a cross-chain swap. Optional fields are empty strings
// until the watcher records the corresponding on-chain event.
type Swap struct {
	SwapID       string `json:"swap_id"`
	Chain        string `json:"chain"`
	Asset        string `json:"asset"`
	HTLCAddress  string `json:"htlc_address"`
	TokenAddress string `json:"token_address"`
	Initiator    string `json:"initiator"`
	Redeemer     string `json:"redeemer"`
	Amount       string `json:"amount"`
	FilledAmount string `json:"filled_amount"`
	Timelock     uint32 `json:"timelock"`
	SecretHash   string `json:"secret_hash"`
	Secret       string `json:"secret"`

	InitiateTxHash string `json:"initiate_tx_hash"`
	RedeemTxHash   string `json:"redeem_tx_hash"`
	RefundTxHash   string `json:"refund_tx_hash"`

	InitiateBlockNumber string `json:"initiate_block_number"`
	RedeemBlockNumber   string `json:"redeem_block_number"`
	RefundBlockNumber   string `json:"refund_block_number"`

	DepositAddress string    `json:"deposit_address"`
	CreatedAt      time.Time `json:"created_at"`
}

// Settled reports whether a redeem or refund has been confirmed.
func (s *Swap) Settled() bool {
	return s.RedeemBlockNumber != "" || s.RefundBlockNumber != ""
}

// HTLC derives the Bitcoin HTLC the swap's secret hash, keys and timelock describe.
func (s *Swap) HTLC(network chain.Network) (*htlc.HTLC, error) {
	params, err := htlc.NewParams(s.SecretHash, s.Initiator, s.Redeemer, s.Timelock)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", s.SwapID, err)
	}
	return htlc.New(params, network)
}

// CreateOrder is the user's swap request.
type CreateOrder struct {
	CreateID                    string    `json:"create_id"`
	From                        string    `json:"from"` // chain:asset
	To                          string    `json:"to"`   // chain:asset
	SourceAmount                string    `json:"source_amount"`
	DestinationAmount           string    `json:"destination_amount"`
	InitiatorSourceAddress      string    `json:"initiator_source_address"`
	InitiatorDestinationAddress string    `json:"initiator_destination_address"`
	SecretHash                  string    `json:"secret_hash"`
	BitcoinOptionalRecipient    string    `json:"bitcoin_optional_recipient,omitempty"`
	CreatedAt                   time.Time `json:"created_at"`
}

// MatchedOrder pairs the source and destination swaps of one CreateOrder.
type MatchedOrder struct {
	CreatedAt       time.Time   `json:"created_at"`
	SourceSwap      Swap        `json:"source_swap"`
	DestinationSwap Swap        `json:"destination_swap"`
	CreateOrder     CreateOrder `json:"create_order"`
}

// ID returns the create id the order is addressed by.
func (m *MatchedOrder) ID() string {
	return m.CreateOrder.CreateID
}

// Involves reports whether any party on either leg is one of addresses.
// Comparison is case-insensitive.
func (m *MatchedOrder) Involves(addresses []string) bool {
	parties := []string{
		m.SourceSwap.Initiator,
		m.SourceSwap.Redeemer,
		m.DestinationSwap.Initiator,
		m.DestinationSwap.Redeemer,
	}
	for _, addr := range addresses {
		for _, p := range parties {
			if p != "" && strings.EqualFold(p, addr) {
				return true
			}
		}
	}
	return false
}

// IsPending reports whether some party may still have to act on the order:
// the destination leg awaits initiation, a revealed secret awaits a source
// redeem, the destination leg is initiated but unsettled, or the destination
// refund is confirmed and the source leg can be reclaimed.
func (m *MatchedOrder) IsPending() bool {
	src, dst := &m.SourceSwap, &m.DestinationSwap

	switch {
	case src.InitiateTxHash != "" && src.RefundTxHash == "" && dst.InitiateTxHash == "":
		return true
	case dst.Secret != "" && src.RedeemTxHash == "" && src.RefundTxHash == "":
		return true
	case dst.InitiateTxHash != "" && dst.RefundTxHash == "" && dst.RedeemTxHash == "":
		return true
	case src.RefundTxHash == "" && src.RedeemTxHash == "" && ParseBlock(dst.RefundBlockNumber) > 0:
		return true
	}
	return false
}

// HTLCStatus is the lifecycle state of a tracked HTLC.
type HTLCStatus string

const (
	HTLCPending  HTLCStatus = "pending"
	HTLCFunded   HTLCStatus = "funded"
	HTLCClaimed  HTLCStatus = "claimed"
	HTLCRefunded HTLCStatus = "refunded"
	HTLCExpired  HTLCStatus = "expired"
)

// TrackedHTLC is an HTLC registered for watching outside of the swap records.
type TrackedHTLC struct {
	ID            string     `json:"id"`
	Address       string     `json:"address"`
	AmountSats    uint64     `json:"amount_sats"`
	Timelock      uint32     `json:"timelock"`
	Hashlock      string     `json:"hashlock"`
	RefundAddress string     `json:"refund_address"`
	Status        HTLCStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// Orderbook is the executor's read view of matched orders.
type Orderbook interface {
	// GetPendingOrders returns up to PendingOrderLimit pending orders that
	// involve one of addresses, oldest first.
	GetPendingOrders(ctx context.Context, addresses []string) ([]MatchedOrder, error)
	GetMatchedOrder(ctx context.Context, createID string) (*MatchedOrder, error)
}

// SwapStore is the watcher's view of swap records.
type SwapStore interface {
	// ActiveSwaps returns swaps on chainID that have no confirmed redeem or refund.
	ActiveSwaps(ctx context.Context, chainID string) ([]Swap, error)
	UpdateSwapInitiate(ctx context.Context, swapID, txHash string, filledAmount uint64, blockNumber int64) error
	UpdateSwapRedeem(ctx context.Context, swapID, txHash string, blockNumber int64, secret string) error
	UpdateSwapRefund(ctx context.Context, swapID, txHash string, blockNumber int64) error
}

// HTLCRegistry stores HTLCs added for watching at runtime.
type HTLCRegistry interface {
	TrackHTLC(ctx context.Context, h *TrackedHTLC) error
	GetTrackedHTLC(ctx context.Context, id string) (*TrackedHTLC, error)
	TrackedHTLCs(ctx context.Context, status HTLCStatus) ([]TrackedHTLC, error)
	SetHTLCStatus(ctx context.Context, id string, status HTLCStatus) error
	// CleanupExpired marks pending HTLCs with ExpiresAt before now as expired
	// and returns them.
	CleanupExpired(ctx context.Context, now time.Time) ([]TrackedHTLC, error)
}

// ParseChainAsset splits a "chain:asset" pair.
func ParseChainAsset(s string) (chainID, asset string, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid chain:asset pair %q", s)
	}
	return parts[0], parts[1], nil
}

// FormatChainAsset joins a chain and asset into a "chain:asset" pair.
func FormatChainAsset(chainID, asset string) string {
	return chainID + ":" + asset
}

// FormatBlock renders a block height for a swap record. Unconfirmed (<= 0)
// heights are stored as empty.
func FormatBlock(height int64) string {
	if height <= 0 {
		return ""
	}
	return strconv.FormatInt(height, 10)
}

// ParseBlock parses a stored block number; empty or malformed values are 0.
func ParseBlock(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
