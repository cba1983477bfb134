package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// FoldLegacyDB migrates chat bindings and entitlement levels that older
// deployments kept inside a per-server playtime database into the global
// identities and entitlements tables. On a level conflict the highest
// level wins. Runs once per boot and is idempotent.
func (s *Store) FoldLegacyDB(ctx context.Context, serverName, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	legacy, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("open legacy db %s: %w", path, err)
	}
	defer legacy.Close()

	if !hasColumns(ctx, legacy, "player_time", "discord_id", "vip_level") {
		return nil // already on the new schema
	}

	rows, err := legacy.QueryContext(ctx,
		`SELECT platform_id, discord_id, vip_level FROM player_time
		 WHERE discord_id IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("read legacy rows: %w", err)
	}
	defer rows.Close()

	migrated := 0
	for rows.Next() {
		var (
			platformID string
			chatID     sql.NullInt64
			level      sql.NullInt64
		)
		if err := rows.Scan(&platformID, &chatID, &level); err != nil {
			return fmt.Errorf("scan legacy row: %w", err)
		}
		if !chatID.Valid {
			continue
		}
		if err := s.BindIdentity(ctx, platformID, chatID.Int64); err != nil {
			return err
		}
		if level.Valid && level.Int64 > 0 {
			current, _, err := s.Entitlement(ctx, chatID.Int64)
			if err != nil {
				return err
			}
			if int(level.Int64) > current {
				if err := s.SetEntitlement(ctx, chatID.Int64, int(level.Int64), nil); err != nil {
					return err
				}
			}
		}
		migrated++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if migrated > 0 {
		s.log.Info("folded legacy bindings into registry",
			zap.String("server", serverName), zap.Int("rows", migrated))
	}
	return nil
}

// hasColumns reports whether every named column exists on the table.
func hasColumns(ctx context.Context, db *sql.DB, table string, cols ...string) bool {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false
	}
	defer rows.Close()
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			have[name] = true
		}
	}
	for _, c := range cols {
		if !have[c] {
			return false
		}
	}
	return true
}
