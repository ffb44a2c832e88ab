package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
)

const trackedHTLCFields = `id, address, amount_sats, timelock, hashlock, refund_address,
	status, created_at, expires_at`

// TrackHTLC inserts or replaces a tracked HTLC. An empty status is stored as pending.
func (s *Storage) TrackHTLC(ctx context.Context, h *orderbook.TrackedHTLC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := h.Status
	if status == "" {
		status = orderbook.HTLCPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_htlcs (`+trackedHTLCFields+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			amount_sats = excluded.amount_sats,
			timelock = excluded.timelock,
			hashlock = excluded.hashlock,
			refund_address = excluded.refund_address,
			status = excluded.status,
			expires_at = excluded.expires_at`,
		h.ID, h.Address, h.AmountSats, h.Timelock, h.Hashlock, h.RefundAddress,
		string(status), timeToUnixOrZero(h.CreatedAt), timeToUnixOrZero(h.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to track HTLC %s: %w", h.ID, err)
	}
	return nil
}

// GetTrackedHTLC returns a tracked HTLC by id.
func (s *Storage) GetTrackedHTLC(ctx context.Context, id string) (*orderbook.TrackedHTLC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+trackedHTLCFields+` FROM tracked_htlcs WHERE id = ?`, id)
	h, err := scanTrackedHTLC(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderbook.ErrHTLCNotFound
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// TrackedHTLCs returns tracked HTLCs in a status, oldest first.
func (s *Storage) TrackedHTLCs(ctx context.Context, status orderbook.HTLCStatus) ([]orderbook.TrackedHTLC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+trackedHTLCFields+` FROM tracked_htlcs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked HTLCs: %w", err)
	}
	defer rows.Close()

	var htlcs []orderbook.TrackedHTLC
	for rows.Next() {
		h, err := scanTrackedHTLC(rows)
		if err != nil {
			return nil, err
		}
		htlcs = append(htlcs, *h)
	}
	return htlcs, rows.Err()
}

// SetHTLCStatus moves a tracked HTLC to status.
func (s *Storage) SetHTLCStatus(ctx context.Context, id string, status orderbook.HTLCStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "UPDATE tracked_htlcs SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update HTLC %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return orderbook.ErrHTLCNotFound
	}
	return nil
}

// CleanupExpired marks pending HTLCs that expired before now and returns them.
func (s *Storage) CleanupExpired(ctx context.Context, now time.Time) ([]orderbook.TrackedHTLC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+trackedHTLCFields+` FROM tracked_htlcs
		WHERE status = ? AND expires_at < ?
		ORDER BY id ASC`, string(orderbook.HTLCPending), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired HTLCs: %w", err)
	}

	var expired []orderbook.TrackedHTLC
	for rows.Next() {
		h, err := scanTrackedHTLC(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		h.Status = orderbook.HTLCExpired
		expired = append(expired, *h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, h := range expired {
		if _, err := tx.ExecContext(ctx, "UPDATE tracked_htlcs SET status = ? WHERE id = ?",
			string(orderbook.HTLCExpired), h.ID); err != nil {
			return nil, fmt.Errorf("failed to expire HTLC %s: %w", h.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

func scanTrackedHTLC(row scanner) (*orderbook.TrackedHTLC, error) {
	var h orderbook.TrackedHTLC
	var status string
	var createdAt, expiresAt int64

	err := row.Scan(&h.ID, &h.Address, &h.AmountSats, &h.Timelock, &h.Hashlock, &h.RefundAddress,
		&status, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	h.Status = orderbook.HTLCStatus(status)
	h.CreatedAt = unixOrZero(createdAt)
	h.ExpiresAt = unixOrZero(expiresAt)
	return &h, nil
}
