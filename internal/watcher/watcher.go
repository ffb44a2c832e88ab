// Package watcher observes HTLC addresses through the block indexer and turns
// what it sees into funding, claim, refund and expiry events.
//
// Each Tick walks the active swaps of one Bitcoin network plus the HTLCs
// registered with AddHTLCToWatch. The watcher holds no keys.
package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// BlockInterval is the expected time between blocks, used to turn a relative
// timelock into a wall-clock expiry for tracked HTLCs.
const BlockInterval = 10 * time.Minute

// spentTxCount is the address history of an HTLC that was funded once and spent once.
const spentTxCount = 2

// WatchRequest describes an HTLC to track outside of the swap records.
type WatchRequest struct {
	ID              string // generated when empty
	RedeemerPubKey  string // x-only hex
	InitiatorPubKey string // x-only hex
	Hashlock        string // hex SHA-256 of the secret
	Timelock        uint32
	AmountSats      uint64
	RefundAddress   string
}

// fundingRecord is the last funding reported for an address.
type fundingRecord struct {
	txID   string
	vout   uint32
	amount uint64
	height int64
}

// Watcher polls the indexer for HTLC state changes.
type Watcher struct {
	indexer  backend.Indexer
	swaps    orderbook.SwapStore
	registry orderbook.HTLCRegistry
	handler  Handler
	network  chain.Network
	chainID  string
	now      func() time.Time
	log      *logging.Logger

	// Touched only while mu is held by Tick.
	mu       sync.Mutex
	lastSeen map[string]uint64
	funded   map[string]fundingRecord
	spent    map[string]string
}

// New creates a watcher for network.
func New(indexer backend.Indexer, swaps orderbook.SwapStore, registry orderbook.HTLCRegistry, handler Handler, network chain.Network) (*Watcher, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	if indexer == nil || swaps == nil || registry == nil || handler == nil {
		return nil, errors.New("watcher requires an indexer, swap store, HTLC registry and handler")
	}

	return &Watcher{
		indexer:  indexer,
		swaps:    swaps,
		registry: registry,
		handler:  handler,
		network:  network,
		chainID:  params.ChainID,
		now:      time.Now,
		log:      logging.GetDefault().Component("watcher"),
		lastSeen: make(map[string]uint64),
		funded:   make(map[string]fundingRecord),
		spent:    make(map[string]string),
	}, nil
}

// SetLogger replaces the component logger.
func (w *Watcher) SetLogger(l *logging.Logger) {
	w.log = l
}

// Name implements scheduler.Task.
func (w *Watcher) Name() string {
	return "watcher"
}

// ChainID returns the chain identifier whose swaps are watched.
func (w *Watcher) ChainID() string {
	return w.chainID
}

// Tick runs one poll cycle. Failures on a single address are logged and do not
// stop the cycle; store failures for a whole step are joined into the result.
func (w *Watcher) Tick(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if err := w.expireTracked(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := w.watchSwaps(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := w.watchPending(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := w.watchFunded(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AddHTLCToWatch derives the HTLC address for req, registers it as pending and
// emits an EventHTLCCreated. It returns the HTLC address.
func (w *Watcher) AddHTLCToWatch(ctx context.Context, req WatchRequest) (string, error) {
	params, err := htlc.NewParams(req.Hashlock, req.InitiatorPubKey, req.RedeemerPubKey, req.Timelock)
	if err != nil {
		return "", err
	}
	h, err := htlc.New(params, w.network)
	if err != nil {
		return "", err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := w.now()
	tracked := &orderbook.TrackedHTLC{
		ID:            id,
		Address:       h.Address().EncodeAddress(),
		AmountSats:    req.AmountSats,
		Timelock:      req.Timelock,
		Hashlock:      hex.EncodeToString(params.SecretHash[:]),
		RefundAddress: req.RefundAddress,
		Status:        orderbook.HTLCPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(req.Timelock) * BlockInterval),
	}

	ev := newEvent(EventHTLCCreated, now)
	ev.ID = id
	ev.Tracked = true
	ev.Address = tracked.Address
	ev.AmountSats = tracked.AmountSats
	ev.HTLC = tracked
	if err := w.emit(ctx, ev); err != nil {
		return "", err
	}

	w.log.Info("Watching HTLC", "id", id, "address", tracked.Address, "timelock", req.Timelock, "expires", tracked.ExpiresAt)
	return tracked.Address, nil
}

func (w *Watcher) expireTracked(ctx context.Context) error {
	expired, err := w.registry.CleanupExpired(ctx, w.now())
	if err != nil {
		return fmt.Errorf("failed to expire tracked HTLCs: %w", err)
	}
	for _, h := range expired {
		w.log.Info("Tracked HTLC expired", "id", h.ID, "address", h.Address)
		ev := newEvent(EventHTLCExpired, w.now())
		ev.ID = h.ID
		ev.Tracked = true
		ev.Address = h.Address
		w.emit(ctx, ev)
	}
	return nil
}

func (w *Watcher) watchSwaps(ctx context.Context) error {
	swaps, err := w.swaps.ActiveSwaps(ctx, w.chainID)
	if err != nil {
		return fmt.Errorf("failed to list active swaps: %w", err)
	}
	for i := range swaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.watchSwap(ctx, &swaps[i]); err != nil {
			w.log.Warn("Failed to watch swap", "swap", swaps[i].SwapID, "error", err)
		}
	}
	return nil
}

func (w *Watcher) watchSwap(ctx context.Context, sw *orderbook.Swap) error {
	h, err := sw.HTLC(w.network)
	if err != nil {
		return err
	}
	t := target{
		id:       sw.SwapID,
		address:  h.Address().EncodeAddress(),
		hashlock: h.Params.SecretHash,
	}

	utxos, err := w.indexer.GetUTXOs(ctx, t.address)
	if err != nil {
		return fmt.Errorf("failed to get UTXOs: %w", err)
	}
	if len(utxos) > 0 {
		w.checkFunding(ctx, t, utxos)
		return nil
	}
	return w.checkEmpty(ctx, t)
}

// checkEmpty handles an HTLC address with no unspent outputs. A history of
// exactly one funding and one spend means the HTLC was settled, possibly
// between two polls.
func (w *Watcher) checkEmpty(ctx context.Context, t target) error {
	count, err := w.indexer.GetAddressTxCount(ctx, t.address)
	if err != nil {
		return fmt.Errorf("failed to get tx count: %w", err)
	}
	switch count {
	case 0:
		w.log.Debug("Awaiting funding", "id", t.id, "address", t.address)
	case spentTxCount:
		if err := w.checkSpend(ctx, t); err != nil {
			return err
		}
	default:
		w.log.Info("Unexpected history on empty HTLC address", "id", t.id, "address", t.address, "tx_count", count)
	}
	w.recordEmpty(t.address)
	return nil
}

func (w *Watcher) watchPending(ctx context.Context) error {
	pending, err := w.registry.TrackedHTLCs(ctx, orderbook.HTLCPending)
	if err != nil {
		return fmt.Errorf("failed to list pending HTLCs: %w", err)
	}
	for _, h := range pending {
		t, err := trackedTarget(h)
		if err != nil {
			w.log.Warn("Invalid tracked HTLC", "id", h.ID, "error", err)
			continue
		}
		utxos, err := w.indexer.GetUTXOs(ctx, t.address)
		if err != nil {
			w.log.Warn("Failed to get UTXOs", "id", h.ID, "address", t.address, "error", err)
			continue
		}
		if len(utxos) == 0 {
			if err := w.checkEmpty(ctx, t); err != nil {
				w.log.Warn("Failed to check empty HTLC", "id", h.ID, "address", t.address, "error", err)
			}
			continue
		}
		w.checkFunding(ctx, t, utxos)
	}
	return nil
}

func (w *Watcher) watchFunded(ctx context.Context) error {
	funded, err := w.registry.TrackedHTLCs(ctx, orderbook.HTLCFunded)
	if err != nil {
		return fmt.Errorf("failed to list funded HTLCs: %w", err)
	}
	for _, h := range funded {
		t, err := trackedTarget(h)
		if err != nil {
			w.log.Warn("Invalid tracked HTLC", "id", h.ID, "error", err)
			continue
		}
		utxos, err := w.indexer.GetUTXOs(ctx, t.address)
		if err != nil {
			w.log.Warn("Failed to get UTXOs", "id", h.ID, "address", t.address, "error", err)
			continue
		}
		if len(utxos) > 0 {
			w.checkFunding(ctx, t, utxos)
			continue
		}
		if err := w.checkSpend(ctx, t); err != nil {
			w.log.Warn("Failed to classify spend", "id", h.ID, "address", t.address, "error", err)
			continue
		}
		w.recordEmpty(t.address)
	}
	return nil
}

// checkFunding reports a funding when the balance at t.address grew since the
// last poll, or when the previously reported funding output got confirmed.
func (w *Watcher) checkFunding(ctx context.Context, t target, utxos []backend.UTXO) {
	balance := backend.TotalValue(utxos)
	prev, seen := w.lastSeen[t.address]
	w.lastSeen[t.address] = balance

	if balance <= prev {
		w.checkConfirmation(ctx, t, utxos)
		return
	}

	increase := balance - prev
	var funding *backend.UTXO
	if !seen {
		funding = &utxos[0]
		increase = funding.Value
	} else {
		for i := range utxos {
			if utxos[i].Value == increase {
				funding = &utxos[i]
				break
			}
		}
	}

	if seen {
		ev := t.event(EventAddressBalanceChanged, w.now())
		ev.OldBalance = prev
		ev.NewBalance = balance
		if funding != nil {
			ev.TxHash = funding.TxID
		}
		w.emit(ctx, ev)
	}

	if funding == nil {
		w.log.Warn("Balance increased but no output matches the increase",
			"id", t.id, "address", t.address, "increase", increase, "utxos", len(utxos))
		return
	}

	w.funded[t.address] = fundingRecord{
		txID:   funding.TxID,
		vout:   funding.Vout,
		amount: increase,
		height: funding.BlockHeight,
	}
	w.log.Info("HTLC funded", "id", t.id, "address", t.address, "tx", funding.TxID,
		"amount", increase, "confirmations", funding.Confirmations)
	w.emitFunded(ctx, t, funding, increase)
}

// checkConfirmation re-reports a funding whose output moved from the mempool
// into a block.
func (w *Watcher) checkConfirmation(ctx context.Context, t target, utxos []backend.UTXO) {
	rec, ok := w.funded[t.address]
	if !ok {
		return
	}
	for i := range utxos {
		u := &utxos[i]
		if u.TxID != rec.txID || u.Vout != rec.vout {
			continue
		}
		if u.BlockHeight == rec.height {
			return
		}
		rec.height = u.BlockHeight
		w.funded[t.address] = rec
		w.log.Info("HTLC funding confirmed", "id", t.id, "address", t.address, "tx", u.TxID, "height", u.BlockHeight)
		w.emitFunded(ctx, t, u, rec.amount)
		return
	}
}

func (w *Watcher) emitFunded(ctx context.Context, t target, u *backend.UTXO, amount uint64) {
	confirmations := u.Confirmations
	if confirmations == 0 && u.Confirmed {
		confirmations = 1
	}
	ev := t.event(EventHTLCFunded, w.now())
	ev.TxHash = u.TxID
	ev.AmountSats = amount
	ev.Confirmations = confirmations
	ev.BlockHeight = u.BlockHeight
	w.log.Info("HTLC funded", "id", t.id, "address", t.address, "btc", helpers.SatoshisToBTC(amount), "confirmations", confirmations)
	w.emit(ctx, ev)
}

// checkSpend classifies the transaction that spent from an emptied HTLC
// address as a claim or a refund.
func (w *Watcher) checkSpend(ctx context.Context, t target) error {
	txs, err := w.indexer.GetAddressTxs(ctx, t.address)
	if err != nil {
		return fmt.Errorf("failed to get address txs: %w", err)
	}
	spend := findSpend(txs, t.address)
	if spend == nil {
		w.log.Debug("No spend from HTLC address yet", "id", t.id, "address", t.address, "txs", len(txs))
		return nil
	}
	tx, err := w.indexer.GetTransaction(ctx, spend.TxID)
	if err != nil {
		return fmt.Errorf("failed to get spending tx: %w", err)
	}

	key := fmt.Sprintf("%s@%d", tx.TxID, tx.BlockHeight)
	if w.spent[t.address] == key {
		return nil
	}
	w.spent[t.address] = key

	typ, preimage := ClassifySpend(tx, t.hashlock)
	ev := t.event(typ, w.now())
	ev.TxHash = tx.TxID
	ev.BlockHeight = tx.BlockHeight
	ev.Preimage = preimage
	w.log.Info("HTLC spent", "id", t.id, "address", t.address, "type", typ, "tx", tx.TxID, "height", tx.BlockHeight)
	w.emit(ctx, ev)
	return nil
}

// findSpend returns the first transaction with an input spending an output
// locked to address. The funding tx may be listed first when both share a
// block or sit in the mempool.
func findSpend(txs []backend.Transaction, address string) *backend.Transaction {
	for i := range txs {
		for _, in := range txs[i].Inputs {
			if in.PrevOut != nil && in.PrevOut.ScriptPubKeyAddr == address {
				return &txs[i]
			}
		}
	}
	return nil
}

func (w *Watcher) recordEmpty(address string) {
	w.lastSeen[address] = 0
	delete(w.funded, address)
}

func (w *Watcher) emit(ctx context.Context, ev Event) error {
	if err := w.handler.HandleEvent(ctx, ev); err != nil {
		w.log.Error("Failed to handle event", "type", ev.Type, "id", ev.ID, "event_id", ev.EventID, "error", err)
		return err
	}
	return nil
}

// ClassifySpend inspects the inputs of a transaction that spent an HTLC. An
// input whose witness has at least four items and whose second item hashes to
// hashlock is a claim; the hex preimage is returned with it. Anything else is
// a refund.
func ClassifySpend(tx *backend.Transaction, hashlock [32]byte) (EventType, string) {
	for _, in := range tx.Inputs {
		if len(in.Witness) < 4 {
			continue
		}
		preimage, err := helpers.HexToBytes(in.Witness[1])
		if err != nil {
			continue
		}
		if htlc.VerifySecret(preimage, hashlock) {
			return EventHTLCClaimed, hex.EncodeToString(preimage)
		}
	}
	return EventHTLCRefunded, ""
}

func trackedTarget(h orderbook.TrackedHTLC) (target, error) {
	hashlock, err := helpers.HexToBytes32(h.Hashlock)
	if err != nil {
		return target{}, fmt.Errorf("hashlock: %w", err)
	}
	return target{
		id:       h.ID,
		tracked:  true,
		address:  h.Address,
		hashlock: hashlock,
	}, nil
}
