package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
)

const swapFields = `swap_id, chain, asset, htlc_address, token_address, initiator, redeemer,
	amount, filled_amount, timelock, secret_hash, secret,
	initiate_tx_hash, redeem_tx_hash, refund_tx_hash,
	initiate_block_number, redeem_block_number, refund_block_number,
	deposit_address, created_at`

const createOrderFields = `create_id, from_asset, to_asset, source_amount, destination_amount,
	initiator_source_address, initiator_destination_address, secret_hash,
	bitcoin_optional_recipient, created_at`

// qualify prefixes every column in a field list with a table alias.
func qualify(alias, fields string) string {
	cols := strings.Split(fields, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// matchedOrderQuery joins a matched order with its create order and both legs.
var matchedOrderQuery = `
	SELECT m.created_at, ` + qualify("s", swapFields) + `, ` + qualify("d", swapFields) + `, ` + qualify("c", createOrderFields) + `
	FROM matched_orders m
	JOIN create_orders c ON c.create_id = m.create_order_id
	JOIN swaps s ON s.swap_id = m.source_swap_id
	JOIN swaps d ON d.swap_id = m.destination_swap_id
`

// InsertMatchedOrder stores a create order and both of its swap legs. Empty
// create and swap ids are filled with fresh UUIDs.
func (s *Storage) InsertMatchedOrder(ctx context.Context, order *orderbook.MatchedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.CreateOrder.CreateID == "" {
		order.CreateOrder.CreateID = uuid.NewString()
	}
	if order.SourceSwap.SwapID == "" {
		order.SourceSwap.SwapID = uuid.NewString()
	}
	if order.DestinationSwap.SwapID == "" {
		order.DestinationSwap.SwapID = uuid.NewString()
	}

	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.CreateOrder.CreatedAt.IsZero() {
		order.CreateOrder.CreatedAt = order.CreatedAt
	}
	for _, sw := range []*orderbook.Swap{&order.SourceSwap, &order.DestinationSwap} {
		if sw.CreatedAt.IsZero() {
			sw.CreatedAt = order.CreatedAt
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM matched_orders WHERE create_order_id = ?", order.ID(),
	).Scan(&exists)
	if err == nil {
		return orderbook.ErrOrderExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check matched order: %w", err)
	}

	co := &order.CreateOrder
	_, err = tx.ExecContext(ctx, `INSERT INTO create_orders (`+createOrderFields+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		co.CreateID, co.From, co.To, co.SourceAmount, co.DestinationAmount,
		co.InitiatorSourceAddress, co.InitiatorDestinationAddress, co.SecretHash,
		co.BitcoinOptionalRecipient, co.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert create order: %w", err)
	}

	for _, sw := range []*orderbook.Swap{&order.SourceSwap, &order.DestinationSwap} {
		if err := insertSwap(ctx, tx, sw); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO matched_orders (create_order_id, source_swap_id, destination_swap_id, created_at)
		VALUES (?, ?, ?, ?)`,
		order.ID(), order.SourceSwap.SwapID, order.DestinationSwap.SwapID, order.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert matched order: %w", err)
	}

	return tx.Commit()
}

func insertSwap(ctx context.Context, tx *sql.Tx, sw *orderbook.Swap) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO swaps (`+swapFields+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.SwapID, sw.Chain, sw.Asset, sw.HTLCAddress, sw.TokenAddress, sw.Initiator, sw.Redeemer,
		sw.Amount, sw.FilledAmount, sw.Timelock, sw.SecretHash, sw.Secret,
		sw.InitiateTxHash, sw.RedeemTxHash, sw.RefundTxHash,
		sw.InitiateBlockNumber, sw.RedeemBlockNumber, sw.RefundBlockNumber,
		sw.DepositAddress, sw.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert swap %s: %w", sw.SwapID, err)
	}
	return nil
}

// GetMatchedOrder returns the matched order for a create id.
func (s *Storage) GetMatchedOrder(ctx context.Context, createID string) (*orderbook.MatchedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, matchedOrderQuery+" WHERE m.create_order_id = ?", createID)
	order, err := scanMatchedOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderbook.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get matched order: %w", err)
	}
	return order, nil
}

// GetPendingOrders returns the oldest pending orders involving addresses.
func (s *Storage) GetPendingOrders(ctx context.Context, addresses []string) ([]orderbook.MatchedOrder, error) {
	return s.pendingOrders(ctx, addresses, orderbook.PendingOrderLimit)
}

func (s *Storage) pendingOrders(ctx context.Context, addresses []string, limit int) ([]orderbook.MatchedOrder, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := make([]interface{}, len(addresses))
	for i, a := range addresses {
		lower[i] = strings.ToLower(a)
	}
	in := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(lower)), ", ") + ")"

	// Keep in sync with orderbook.MatchedOrder.IsPending.
	query := matchedOrderQuery + `
		WHERE (lower(s.initiator) IN ` + in + ` OR lower(s.redeemer) IN ` + in + `
			OR lower(d.initiator) IN ` + in + ` OR lower(d.redeemer) IN ` + in + `)
		AND (
			(s.initiate_tx_hash != '' AND s.refund_tx_hash = '' AND d.initiate_tx_hash = '')
			OR (d.secret != '' AND s.redeem_tx_hash = '' AND s.refund_tx_hash = '')
			OR (d.initiate_tx_hash != '' AND d.refund_tx_hash = '' AND d.redeem_tx_hash = '')
			OR (s.refund_tx_hash = '' AND s.redeem_tx_hash = '' AND CAST(d.refund_block_number AS INTEGER) > 0)
		)
		ORDER BY m.created_at ASC, m.create_order_id ASC
		LIMIT ?
	`

	args := make([]interface{}, 0, 4*len(lower)+1)
	for i := 0; i < 4; i++ {
		args = append(args, lower...)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders: %w", err)
	}
	defer rows.Close()

	var orders []orderbook.MatchedOrder
	for rows.Next() {
		order, err := scanMatchedOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan matched order: %w", err)
		}
		orders = append(orders, *order)
	}

	return orders, rows.Err()
}

// CountMatchedOrders returns the number of stored matched orders.
func (s *Storage) CountMatchedOrders(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM matched_orders").Scan(&count)
	return count, err
}

// ActiveSwaps returns swaps on chainID without a confirmed redeem or refund.
func (s *Storage) ActiveSwaps(ctx context.Context, chainID string) ([]orderbook.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+swapFields+` FROM swaps
		WHERE chain = ? AND redeem_block_number = '' AND refund_block_number = ''
		ORDER BY created_at ASC, swap_id ASC`, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active swaps: %w", err)
	}
	defer rows.Close()

	var swaps []orderbook.Swap
	for rows.Next() {
		var sw orderbook.Swap
		var createdAt int64
		if err := rows.Scan(swapDest(&sw, &createdAt)...); err != nil {
			return nil, fmt.Errorf("failed to scan swap: %w", err)
		}
		sw.CreatedAt = unixOrZero(createdAt)
		swaps = append(swaps, sw)
	}
	return swaps, rows.Err()
}

// UpdateSwapInitiate records the observed funding of a swap's HTLC.
func (s *Storage) UpdateSwapInitiate(ctx context.Context, swapID, txHash string, filledAmount uint64, blockNumber int64) error {
	return s.updateSwap(ctx, swapID, `
		UPDATE swaps SET initiate_tx_hash = ?, filled_amount = ?, initiate_block_number = ?
		WHERE swap_id = ?`,
		txHash, strconv.FormatUint(filledAmount, 10), orderbook.FormatBlock(blockNumber), swapID,
	)
}

// UpdateSwapRedeem records a redeem and the secret it revealed.
func (s *Storage) UpdateSwapRedeem(ctx context.Context, swapID, txHash string, blockNumber int64, secret string) error {
	return s.updateSwap(ctx, swapID, `
		UPDATE swaps SET redeem_tx_hash = ?, redeem_block_number = ?, secret = ?
		WHERE swap_id = ?`,
		txHash, orderbook.FormatBlock(blockNumber), secret, swapID,
	)
}

// UpdateSwapRefund records a refund.
func (s *Storage) UpdateSwapRefund(ctx context.Context, swapID, txHash string, blockNumber int64) error {
	return s.updateSwap(ctx, swapID, `
		UPDATE swaps SET refund_tx_hash = ?, refund_block_number = ?
		WHERE swap_id = ?`,
		txHash, orderbook.FormatBlock(blockNumber), swapID,
	)
}

func (s *Storage) updateSwap(ctx context.Context, swapID, query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update swap %s: %w", swapID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return orderbook.ErrSwapNotFound
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func swapDest(sw *orderbook.Swap, createdAt *int64) []interface{} {
	return []interface{}{
		&sw.SwapID, &sw.Chain, &sw.Asset, &sw.HTLCAddress, &sw.TokenAddress, &sw.Initiator, &sw.Redeemer,
		&sw.Amount, &sw.FilledAmount, &sw.Timelock, &sw.SecretHash, &sw.Secret,
		&sw.InitiateTxHash, &sw.RedeemTxHash, &sw.RefundTxHash,
		&sw.InitiateBlockNumber, &sw.RedeemBlockNumber, &sw.RefundBlockNumber,
		&sw.DepositAddress, createdAt,
	}
}

func scanMatchedOrder(row scanner) (*orderbook.MatchedOrder, error) {
	var order orderbook.MatchedOrder
	var createdAt, srcCreated, dstCreated, coCreated int64

	co := &order.CreateOrder
	dest := []interface{}{&createdAt}
	dest = append(dest, swapDest(&order.SourceSwap, &srcCreated)...)
	dest = append(dest, swapDest(&order.DestinationSwap, &dstCreated)...)
	dest = append(dest,
		&co.CreateID, &co.From, &co.To, &co.SourceAmount, &co.DestinationAmount,
		&co.InitiatorSourceAddress, &co.InitiatorDestinationAddress, &co.SecretHash,
		&co.BitcoinOptionalRecipient, &coCreated,
	)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	order.CreatedAt = unixOrZero(createdAt)
	order.SourceSwap.CreatedAt = unixOrZero(srcCreated)
	order.DestinationSwap.CreatedAt = unixOrZero(dstCreated)
	co.CreatedAt = unixOrZero(coCreated)
	return &order, nil
}
