package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientFunds means a wallet delta would have driven the
	// balance negative. Surfaced to the user, never retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrListingNotActive means a purchase lost the race or the listing
	// was already sold.
	ErrListingNotActive = errors.New("listing not active")

	// ErrSelfPurchase means a buyer tried to buy their own listing.
	ErrSelfPurchase = errors.New("cannot buy own listing")
)

// Store is the authoritative registry: identities, entitlements, wallets,
// market listings, the withdrawal journal, playtime counters and homes.
// One sqlite file in WAL mode; writes are short transactions.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates or opens the registry database and applies migrations.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	// sqlite allows many readers but exactly one writer; a single
	// connection for writes avoids SQLITE_BUSY churn under load.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside one transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// chunkSize keeps IN (...) lists under the embedded SQL parameter limit.
const chunkSize = 900

func chunks[T any](items []T) [][]T {
	var out [][]T
	for len(items) > chunkSize {
		out = append(out, items[:chunkSize])
		items = items[chunkSize:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
