package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Withdrawal transaction statuses. PENDING rows whose RCON spawn failed go
// to ERROR_REVIEW and wait for an operator; the journal is never deleted.
const (
	WithdrawPending     = "PENDING"
	WithdrawCompleted   = "COMPLETED"
	WithdrawErrorReview = "ERROR_REVIEW"
)

// Withdrawal is one journal row.
type Withdrawal struct {
	ID            int64
	ChatID        int64
	Amount        int64
	CharacterName string
	ServerName    string
	Status        string
	CreatedAt     time.Time
}

// OpenWithdrawal debits the wallet and writes the PENDING journal row in
// one transaction. Returns ErrInsufficientFunds without any side effect if
// the wallet cannot cover the amount.
func (s *Store) OpenWithdrawal(ctx context.Context, chatID, amount int64, charName, serverName string) (int64, error) {
	var txID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := addBalanceTx(ctx, tx, chatID, -amount); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO withdraw_transactions (chat_id, amount, character_name, server_name, status)
			 VALUES (?, ?, ?, ?, ?)`,
			chatID, amount, charName, serverName, WithdrawPending)
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		txID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return txID, nil
}

// CloseWithdrawal moves a journal row to its terminal status. It never
// touches the wallet: a failed spawn may still have produced the item, so
// refunds are a manual-reconciliation decision.
func (s *Store) CloseWithdrawal(ctx context.Context, txID int64, status string) error {
	if status != WithdrawCompleted && status != WithdrawErrorReview {
		return fmt.Errorf("invalid terminal withdrawal status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE withdraw_transactions SET status = ? WHERE id = ? AND status = ?`,
		status, txID, WithdrawPending)
	if err != nil {
		return fmt.Errorf("close withdrawal %d: %w", txID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("withdrawal %d not pending", txID)
	}
	return nil
}

// Withdrawal fetches one journal row.
func (s *Store) Withdrawal(ctx context.Context, txID int64) (*Withdrawal, error) {
	var w Withdrawal
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, amount, character_name, server_name, status, created_at
		 FROM withdraw_transactions WHERE id = ?`, txID).
		Scan(&w.ID, &w.ChatID, &w.Amount, &w.CharacterName, &w.ServerName, &w.Status, &w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("withdrawal %d: %w", txID, err)
	}
	return &w, nil
}

// AppendAudit writes one marketplace audit row.
func (s *Store) AppendAudit(ctx context.Context, chatID int64, action, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_audit (chat_id, action, details) VALUES (?, ?, ?)`,
		chatID, action, details)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
