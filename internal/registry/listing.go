package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/l1jgo/warden/internal/item"
)

// Listing statuses. A listing transitions active → sold exactly once.
const (
	ListingActive = "active"
	ListingSold   = "sold"
)

// Listing is one marketplace offer.
type Listing struct {
	ID           int64
	SellerChatID int64
	TemplateID   int32
	DNA          item.DNA
	Price        int64
	Status       string
	CreatedAt    time.Time
}

// CreateListing records a completed sell: the item is already destroyed
// in-game, its DNA lives here until someone buys it.
func (s *Store) CreateListing(ctx context.Context, sellerChatID int64, templateID int32, dna item.DNA, price int64) (int64, error) {
	blob, err := json.Marshal(dna)
	if err != nil {
		return 0, fmt.Errorf("marshal dna: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO market_listings (seller_chat_id, item_template_id, item_dna, price, status)
		 VALUES (?, ?, ?, ?, ?)`,
		sellerChatID, templateID, string(blob), price, ListingActive)
	if err != nil {
		return 0, fmt.Errorf("create listing: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Listing fetches one listing by id.
func (s *Store) Listing(ctx context.Context, id int64) (*Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, seller_chat_id, item_template_id, item_dna, price, status, created_at
		 FROM market_listings WHERE id = ?`, id)
	return scanListing(row)
}

// ActiveListings returns the open market, newest first, capped at limit.
func (s *Store) ActiveListings(ctx context.Context, limit int) ([]*Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seller_chat_id, item_template_id, item_dna, price, status, created_at
		 FROM market_listings WHERE status = ? ORDER BY id DESC LIMIT ?`,
		ListingActive, limit)
	if err != nil {
		return nil, fmt.Errorf("active listings: %w", err)
	}
	defer rows.Close()
	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*Listing, error) {
	var (
		l    Listing
		blob string
	)
	err := row.Scan(&l.ID, &l.SellerChatID, &l.TemplateID, &blob, &l.Price, &l.Status, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &l.DNA); err != nil {
		return nil, fmt.Errorf("unmarshal dna for listing %d: %w", l.ID, err)
	}
	return &l, nil
}

// ExecutePurchase atomically moves a listing from seller to buyer: assert
// active, assert buyer != seller, debit buyer, credit seller, mark sold.
// Any failure rolls the whole thing back; concurrent buyers are arbitrated
// by the conditional status update, so exactly one wins.
func (s *Store) ExecutePurchase(ctx context.Context, buyerChatID, listingID int64) (*Listing, error) {
	var listing *Listing
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, seller_chat_id, item_template_id, item_dna, price, status, created_at
			 FROM market_listings WHERE id = ?`, listingID)
		l, err := scanListing(row)
		if err != nil {
			return err
		}
		if l.Status != ListingActive {
			return ErrListingNotActive
		}
		if l.SellerChatID == buyerChatID {
			return ErrSelfPurchase
		}

		// The race arbiter: losers see zero affected rows.
		res, err := tx.ExecContext(ctx,
			`UPDATE market_listings SET status = ? WHERE id = ? AND status = ?`,
			ListingSold, listingID, ListingActive)
		if err != nil {
			return fmt.Errorf("mark sold: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrListingNotActive
		}

		if err := addBalanceTx(ctx, tx, buyerChatID, -l.Price); err != nil {
			return err
		}
		if err := addBalanceTx(ctx, tx, l.SellerChatID, l.Price); err != nil {
			return err
		}

		l.Status = ListingSold
		listing = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// ReversePurchase compensates a purchase whose in-game item spawn failed:
// refund buyer, undo seller credit, reactivate the listing, all in one
// transaction. Safe only because the spawn definitively did not happen.
func (s *Store) ReversePurchase(ctx context.Context, buyerChatID int64, listing *Listing) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := addBalanceTx(ctx, tx, listing.SellerChatID, -listing.Price); err != nil {
			return fmt.Errorf("reverse seller credit: %w", err)
		}
		if err := addBalanceTx(ctx, tx, buyerChatID, listing.Price); err != nil {
			return fmt.Errorf("refund buyer: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE market_listings SET status = ? WHERE id = ?`,
			ListingActive, listing.ID); err != nil {
			return fmt.Errorf("reactivate listing: %w", err)
		}
		return nil
	})
}
