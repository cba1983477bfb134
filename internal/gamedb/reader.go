package gamedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrUnavailable classifies any open or query failure against a game
// database. The game owns these files and may be mid-write; callers treat
// this as transient and fall back to caches.
var ErrUnavailable = errors.New("game db unavailable")

// chunkSize keeps IN (...) lists under the embedded SQL parameter limit.
const chunkSize = 900

// Reader issues read-only batched queries against one server's game
// database. It never writes: the game is the sole owner of this state.
type Reader struct {
	db  *sql.DB
	log *zap.Logger
}

// Open prepares a read-only reader. The file is not touched until the
// first query, so a server whose DB is temporarily missing still boots.
func Open(path string, log *zap.Logger) (*Reader, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&cache=shared&_busy_timeout=2000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open game db %s: %w", path, err)
	}
	return &Reader{db: db, log: log}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Character is one row of the game's characters table joined to its
// account's platform id.
type Character struct {
	ID         int64
	Name       string
	PlatformID string
	GuildID    int64
	Level      int
}

// CharactersByNames batch-resolves character names. The result map only
// contains names that exist.
func (r *Reader) CharactersByNames(ctx context.Context, names []string) (map[string]Character, error) {
	out := make(map[string]Character, len(names))
	for _, chunk := range chunkStrings(names) {
		args := make([]any, len(chunk))
		for i, n := range chunk {
			args[i] = n
		}
		rows, err := r.db.QueryContext(ctx,
			`SELECT c.id, c.char_name, COALESCE(a.platformId, ''), COALESCE(c.guild, 0), c.level
			 FROM characters c
			 LEFT JOIN account a ON a.id = c.playerId
			 WHERE c.char_name IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, unavailable("characters by names", err)
		}
		if err := scanCharacters(rows, func(c Character) { out[c.Name] = c }); err != nil {
			return nil, unavailable("characters by names", err)
		}
	}
	return out, nil
}

// CharactersByPlatformIDs batch-resolves every character owned by the
// given platform ids.
func (r *Reader) CharactersByPlatformIDs(ctx context.Context, platformIDs []string) ([]Character, error) {
	var out []Character
	for _, chunk := range chunkStrings(platformIDs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := r.db.QueryContext(ctx,
			`SELECT c.id, c.char_name, a.platformId, COALESCE(c.guild, 0), c.level
			 FROM characters c
			 JOIN account a ON a.id = c.playerId
			 WHERE a.platformId IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, unavailable("characters by platform ids", err)
		}
		if err := scanCharacters(rows, func(c Character) { out = append(out, c) }); err != nil {
			return nil, unavailable("characters by platform ids", err)
		}
	}
	return out, nil
}

func scanCharacters(rows *sql.Rows, emit func(Character)) error {
	defer rows.Close()
	for rows.Next() {
		var c Character
		if err := rows.Scan(&c.ID, &c.Name, &c.PlatformID, &c.GuildID, &c.Level); err != nil {
			return err
		}
		emit(c)
	}
	return rows.Err()
}

// LevelsByNames returns character levels keyed by name. This is the status
// loop's enrichment query.
func (r *Reader) LevelsByNames(ctx context.Context, names []string) (map[string]int, error) {
	chars, err := r.CharactersByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(chars))
	for name, c := range chars {
		out[name] = c.Level
	}
	return out, nil
}

// InventoryItem is one row of item_inventory. ItemID is the slot within
// its inventory type.
type InventoryItem struct {
	OwnerID    int64
	SlotID     int64
	InvType    int
	TemplateID int32
	Data       []byte
}

// Inventory type codes used by the game.
const (
	InvBackpack  = 0
	InvEquipped  = 1
	InvHotbar    = 2
	InvContainer = 4
	InvFollower  = 6
)

// ItemAt reads the single inventory row at (owner, slot, invType);
// nil when the slot is empty.
func (r *Reader) ItemAt(ctx context.Context, ownerID, slotID int64, invType int) (*InventoryItem, error) {
	var it InventoryItem
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id, item_id, inv_type, template_id, data
		 FROM item_inventory
		 WHERE owner_id = ? AND item_id = ? AND inv_type = ?`,
		ownerID, slotID, invType).
		Scan(&it.OwnerID, &it.SlotID, &it.InvType, &it.TemplateID, &it.Data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("item at slot", err)
	}
	return &it, nil
}

// ItemsByTemplate lists an owner's rows of one template across the given
// inventory types. Used for the stack-collision pre-check and for the
// before/after diff when locating a freshly spawned item.
func (r *Reader) ItemsByTemplate(ctx context.Context, ownerID int64, templateID int32, invTypes ...int) ([]InventoryItem, error) {
	args := []any{ownerID, templateID}
	for _, t := range invTypes {
		args = append(args, t)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT owner_id, item_id, inv_type, template_id, data
		 FROM item_inventory
		 WHERE owner_id = ? AND template_id = ? AND inv_type IN (`+placeholders(len(invTypes))+`)`,
		args...)
	if err != nil {
		return nil, unavailable("items by template", err)
	}
	defer rows.Close()
	var out []InventoryItem
	for rows.Next() {
		var it InventoryItem
		if err := rows.Scan(&it.OwnerID, &it.SlotID, &it.InvType, &it.TemplateID, &it.Data); err != nil {
			return nil, unavailable("items by template", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("items by template", err)
	}
	return out, nil
}

// Position returns an actor's current world position.
func (r *Reader) Position(ctx context.Context, actorID int64) (x, y, z float64, ok bool, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT x, y, z FROM actor_position WHERE id = ?`, actorID).Scan(&x, &y, &z)
	if err == sql.ErrNoRows {
		return 0, 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, 0, false, unavailable("actor position", err)
	}
	return x, y, z, true, nil
}

func chunkStrings(items []string) [][]string {
	var out [][]string
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
