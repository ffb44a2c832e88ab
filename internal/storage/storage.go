// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/klingon-htlc/internal/orderbook"
)

// Storage is the SQLite-backed orderbook, swap store and HTLC registry.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

var (
	_ orderbook.Orderbook    = (*Storage)(nil)
	_ orderbook.SwapStore    = (*Storage)(nil)
	_ orderbook.HTLCRegistry = (*Storage)(nil)
)

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// DBName is the database file created inside the data directory.
const DBName = "htlc.db"

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- User swap requests
	CREATE TABLE IF NOT EXISTS create_orders (
		create_id TEXT PRIMARY KEY,
		from_asset TEXT NOT NULL,              -- chain:asset
		to_asset TEXT NOT NULL,                -- chain:asset
		source_amount TEXT NOT NULL DEFAULT '',
		destination_amount TEXT NOT NULL DEFAULT '',
		initiator_source_address TEXT NOT NULL DEFAULT '',
		initiator_destination_address TEXT NOT NULL DEFAULT '',
		secret_hash TEXT NOT NULL DEFAULT '',
		bitcoin_optional_recipient TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Swap legs. Optional fields are '' until the watcher records them.
	CREATE TABLE IF NOT EXISTS swaps (
		swap_id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		asset TEXT NOT NULL,
		htlc_address TEXT NOT NULL DEFAULT '',
		token_address TEXT NOT NULL DEFAULT '',
		initiator TEXT NOT NULL DEFAULT '',
		redeemer TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL DEFAULT '',
		filled_amount TEXT NOT NULL DEFAULT '',
		timelock INTEGER NOT NULL DEFAULT 0,
		secret_hash TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL DEFAULT '',

		initiate_tx_hash TEXT NOT NULL DEFAULT '',
		redeem_tx_hash TEXT NOT NULL DEFAULT '',
		refund_tx_hash TEXT NOT NULL DEFAULT '',

		initiate_block_number TEXT NOT NULL DEFAULT '',
		redeem_block_number TEXT NOT NULL DEFAULT '',
		refund_block_number TEXT NOT NULL DEFAULT '',

		deposit_address TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_chain ON swaps(chain);
	CREATE INDEX IF NOT EXISTS idx_swaps_initiator ON swaps(lower(initiator));
	CREATE INDEX IF NOT EXISTS idx_swaps_redeemer ON swaps(lower(redeemer));

	-- Source and destination legs of one create order
	CREATE TABLE IF NOT EXISTS matched_orders (
		create_order_id TEXT PRIMARY KEY,
		source_swap_id TEXT NOT NULL,
		destination_swap_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (create_order_id) REFERENCES create_orders(create_id),
		FOREIGN KEY (source_swap_id) REFERENCES swaps(swap_id),
		FOREIGN KEY (destination_swap_id) REFERENCES swaps(swap_id)
	);

	CREATE INDEX IF NOT EXISTS idx_matched_orders_created ON matched_orders(created_at);

	-- HTLCs registered for watching at runtime
	CREATE TABLE IF NOT EXISTS tracked_htlcs (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		amount_sats INTEGER NOT NULL DEFAULT 0,
		timelock INTEGER NOT NULL,
		hashlock TEXT NOT NULL,
		refund_address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',  -- pending, funded, claimed, refunded, expired
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tracked_htlcs_status ON tracked_htlcs(status);
	CREATE INDEX IF NOT EXISTS idx_tracked_htlcs_expires ON tracked_htlcs(status, expires_at);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE swaps ADD COLUMN deposit_address TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE create_orders ADD COLUMN bitcoin_optional_recipient TEXT NOT NULL DEFAULT ''",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
