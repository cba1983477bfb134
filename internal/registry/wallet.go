package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// Balance returns the wallet balance for a chat id, 0 for absent rows.
func (s *Store) Balance(ctx context.Context, chatID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE chat_id = ?`, chatID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance for %d: %w", chatID, err)
	}
	return balance, nil
}

// AddBalance applies a delta to a wallet. A negative delta that would take
// the balance below zero fails with ErrInsufficientFunds; the check and
// the update are one conditional statement, never read-then-write.
func (s *Store) AddBalance(ctx context.Context, chatID int64, delta int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return addBalanceTx(ctx, tx, chatID, delta)
	})
}

// addBalanceTx is the shared atomic wallet update used standalone and
// inside purchase/withdrawal transactions.
func addBalanceTx(ctx context.Context, tx *sql.Tx, chatID int64, delta int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (chat_id, balance) VALUES (?, 0)
		 ON CONFLICT(chat_id) DO NOTHING`, chatID); err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE wallets SET balance = balance + ?
		 WHERE chat_id = ? AND balance + ? >= 0`, delta, chatID, delta)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}
