package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Identity is one platform id with its chat binding and entitlement.
// Level 0 with Bound=false is the default for players never registered.
type Identity struct {
	PlatformID string
	ChatID     int64
	Bound      bool
	Level      int
	Expiry     *time.Time
}

// EnsureIdentity records a platform id at first sighting, unbound.
func (s *Store) EnsureIdentity(ctx context.Context, platformID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (platform_id, chat_id) VALUES (?, NULL)
		 ON CONFLICT(platform_id) DO NOTHING`, platformID)
	if err != nil {
		return fmt.Errorf("ensure identity: %w", err)
	}
	return nil
}

// BindIdentity attaches a chat id to a platform id. Idempotent; an
// existing binding to a different chat id is left untouched because a
// binding is stable once made.
func (s *Store) BindIdentity(ctx context.Context, platformID string, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (platform_id, chat_id) VALUES (?, ?)
		 ON CONFLICT(platform_id) DO UPDATE SET chat_id = excluded.chat_id
		 WHERE identities.chat_id IS NULL OR identities.chat_id = excluded.chat_id`,
		platformID, chatID)
	if err != nil {
		return fmt.Errorf("bind identity: %w", err)
	}
	return nil
}

// ResolveIdentities batch-resolves platform ids to bindings and
// entitlements. Missing rows come back as unbound level 0. The IN list is
// chunked to stay under the parameter limit.
func (s *Store) ResolveIdentities(ctx context.Context, platformIDs []string) (map[string]Identity, error) {
	out := make(map[string]Identity, len(platformIDs))
	for _, id := range platformIDs {
		out[id] = Identity{PlatformID: id}
	}

	for _, chunk := range chunks(platformIDs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT i.platform_id, i.chat_id, COALESCE(e.level, 0), e.expiry
			 FROM identities i
			 LEFT JOIN entitlements e ON e.chat_id = i.chat_id
			 WHERE i.platform_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("resolve identities: %w", err)
		}
		if err := scanIdentities(rows, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanIdentities(rows *sql.Rows, out map[string]Identity) error {
	defer rows.Close()
	for rows.Next() {
		var (
			ident  Identity
			chatID sql.NullInt64
			expiry sql.NullTime
		)
		if err := rows.Scan(&ident.PlatformID, &chatID, &ident.Level, &expiry); err != nil {
			return fmt.Errorf("scan identity: %w", err)
		}
		if chatID.Valid {
			ident.ChatID = chatID.Int64
			ident.Bound = true
		}
		if expiry.Valid {
			t := expiry.Time
			ident.Expiry = &t
		}
		out[ident.PlatformID] = ident
	}
	return rows.Err()
}

// ChatIDFor resolves a single platform id to its bound chat id.
func (s *Store) ChatIDFor(ctx context.Context, platformID string) (int64, bool, error) {
	var chatID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id FROM identities WHERE platform_id = ?`, platformID).Scan(&chatID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("chat id for %s: %w", platformID, err)
	}
	return chatID.Int64, chatID.Valid, nil
}

// PlatformIDsFor returns every platform id bound to a chat id. One chat
// user may own characters across several platforms.
func (s *Store) PlatformIDsFor(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform_id FROM identities WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("platform ids for %d: %w", chatID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetEntitlement upserts a chat id's entitlement level. The caller decides
// whether the new level should win; this just writes it.
func (s *Store) SetEntitlement(ctx context.Context, chatID int64, level int, expiry *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (chat_id, level, expiry) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET level = excluded.level, expiry = excluded.expiry`,
		chatID, level, expiry)
	if err != nil {
		return fmt.Errorf("set entitlement: %w", err)
	}
	return nil
}

// Entitlement returns the level and expiry for a chat id, level 0 for
// absent rows.
func (s *Store) Entitlement(ctx context.Context, chatID int64) (int, *time.Time, error) {
	var (
		level  int
		expiry sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT level, expiry FROM entitlements WHERE chat_id = ?`, chatID).Scan(&level, &expiry)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("entitlement for %d: %w", chatID, err)
	}
	if expiry.Valid {
		t := expiry.Time
		return level, &t, nil
	}
	return level, nil, nil
}
