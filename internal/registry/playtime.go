package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// PlaytimeRow is the per-(player, server) online-time counter.
// last_reward_playtime never exceeds online_minutes.
type PlaytimeRow struct {
	PlatformID         string
	ServerName         string
	OnlineMinutes      int64
	LastRewardPlaytime int64
	LastRewardedHour   int64
}

// IncrementPlaytime adds one online minute for every currently-listed
// platform id on a server, in a single transaction per tick.
func (s *Store) IncrementPlaytime(ctx context.Context, serverName string, platformIDs []string) error {
	if len(platformIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO player_time (platform_id, server_name, online_minutes)
			 VALUES (?, ?, 1)
			 ON CONFLICT(platform_id, server_name)
			 DO UPDATE SET online_minutes = online_minutes + 1`)
		if err != nil {
			return fmt.Errorf("prepare playtime upsert: %w", err)
		}
		defer stmt.Close()
		for _, id := range platformIDs {
			if _, err := stmt.ExecContext(ctx, id, serverName); err != nil {
				return fmt.Errorf("increment playtime %s: %w", id, err)
			}
		}
		return nil
	})
}

// Playtimes batch-fetches counter rows for a server. Absent players get a
// zero row.
func (s *Store) Playtimes(ctx context.Context, serverName string, platformIDs []string) (map[string]PlaytimeRow, error) {
	out := make(map[string]PlaytimeRow, len(platformIDs))
	for _, id := range platformIDs {
		out[id] = PlaytimeRow{PlatformID: id, ServerName: serverName, LastRewardedHour: -1}
	}
	for _, chunk := range chunks(platformIDs) {
		args := []any{serverName}
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT platform_id, online_minutes, last_reward_playtime, last_rewarded_hour
			 FROM player_time
			 WHERE server_name = ? AND platform_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("playtimes: %w", err)
		}
		for rows.Next() {
			r := PlaytimeRow{ServerName: serverName}
			if err := rows.Scan(&r.PlatformID, &r.OnlineMinutes, &r.LastRewardPlaytime, &r.LastRewardedHour); err != nil {
				rows.Close()
				return nil, err
			}
			out[r.PlatformID] = r
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// MarkRewarded records the playtime at which a reward was handed out.
// Clamped so last_reward_playtime never runs ahead of online_minutes.
func (s *Store) MarkRewarded(ctx context.Context, serverName, platformID string, atMinutes, hour int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE player_time
		 SET last_reward_playtime = MIN(?, online_minutes), last_rewarded_hour = ?
		 WHERE platform_id = ? AND server_name = ?`,
		atMinutes, hour, platformID, serverName)
	if err != nil {
		return fmt.Errorf("mark rewarded: %w", err)
	}
	return nil
}

// SetHome stores a player's home teleport point for one server.
func (s *Store) SetHome(ctx context.Context, serverName, platformID string, x, y, z float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO player_homes (platform_id, server_name, x, y, z)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(platform_id, server_name)
		 DO UPDATE SET x = excluded.x, y = excluded.y, z = excluded.z`,
		platformID, serverName, x, y, z)
	if err != nil {
		return fmt.Errorf("set home: %w", err)
	}
	return nil
}

// Home returns a player's stored home point, or false if none is set.
func (s *Store) Home(ctx context.Context, serverName, platformID string) (x, y, z float64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT x, y, z FROM player_homes WHERE platform_id = ? AND server_name = ?`,
		platformID, serverName).Scan(&x, &y, &z)
	if err == sql.ErrNoRows {
		return 0, 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, 0, false, fmt.Errorf("home: %w", err)
	}
	return x, y, z, true, nil
}
