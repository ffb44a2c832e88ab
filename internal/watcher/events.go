package watcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
)

// EventType identifies what the watcher observed.
type EventType string

const (
	EventHTLCCreated           EventType = "htlc_created"
	EventHTLCFunded            EventType = "htlc_funded"
	EventHTLCClaimed           EventType = "htlc_claimed"
	EventHTLCRefunded          EventType = "htlc_refunded"
	EventHTLCExpired           EventType = "htlc_expired"
	EventAddressBalanceChanged EventType = "address_balance_changed"
)

// Event is a single on-chain observation. Only the fields relevant to Type are set.
type Event struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// ID is the swap id, or the tracked HTLC id when Tracked is set.
	ID      string `json:"id,omitempty"`
	Tracked bool   `json:"tracked,omitempty"`
	Address string `json:"address,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`

	AmountSats    uint64 `json:"amount_sats,omitempty"`
	Confirmations int64  `json:"confirmations,omitempty"`
	BlockHeight   int64  `json:"block_height,omitempty"`
	Preimage      string `json:"preimage,omitempty"` // hex

	OldBalance uint64 `json:"old_balance,omitempty"`
	NewBalance uint64 `json:"new_balance,omitempty"`

	// HTLC is set on EventHTLCCreated.
	HTLC *orderbook.TrackedHTLC `json:"htlc,omitempty"`
}

// Handler consumes watcher events.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

func newEvent(t EventType, now time.Time) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      t,
		Timestamp: now,
	}
}

// target identifies who an inferred event belongs to.
type target struct {
	id       string
	tracked  bool
	address  string
	hashlock [32]byte
}

func (t target) event(typ EventType, now time.Time) Event {
	ev := newEvent(typ, now)
	ev.ID = t.id
	ev.Tracked = t.tracked
	ev.Address = t.address
	return ev
}
