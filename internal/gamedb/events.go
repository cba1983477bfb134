package gamedb

import (
	"context"
)

// eventTypeDeath is the game_events type code for a player death.
const eventTypeDeath = 103

// DeathEvent is one killfeed entry.
type DeathEvent struct {
	WorldTime  float64
	CauserName string
	VictimName string
	Args       string // raw argsMap JSON
}

// DeathsSince returns death events newer than the watermark, oldest first.
func (r *Reader) DeathsSince(ctx context.Context, sinceWorldTime float64) ([]DeathEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT worldTime, COALESCE(causerName, ''), COALESCE(ownerName, ''), COALESCE(argsMap, '')
		 FROM game_events
		 WHERE eventType = ? AND worldTime > ?
		 ORDER BY worldTime ASC`, eventTypeDeath, sinceWorldTime)
	if err != nil {
		return nil, unavailable("deaths since", err)
	}
	defer rows.Close()
	var out []DeathEvent
	for rows.Next() {
		var e DeathEvent
		if err := rows.Scan(&e.WorldTime, &e.CauserName, &e.VictimName, &e.Args); err != nil {
			return nil, unavailable("deaths since", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("deaths since", err)
	}
	return out, nil
}

// OwnerCounts runs an operator-supplied aggregation query (typically the
// building-pieces count) expected to return (owner_id, count) rows.
func (r *Reader) OwnerCounts(ctx context.Context, query string) (map[int64]int, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, unavailable("owner counts", err)
	}
	defer rows.Close()
	out := make(map[int64]int)
	for rows.Next() {
		var (
			owner int64
			count int
		)
		if err := rows.Scan(&owner, &count); err != nil {
			return nil, unavailable("owner counts", err)
		}
		out[owner] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("owner counts", err)
	}
	return out, nil
}

// NameDays runs an operator-supplied inactivity query expected to return
// (char_name, days_offline) rows, with the day threshold bound as the
// single parameter.
func (r *Reader) NameDays(ctx context.Context, query string, days int) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, query, days)
	if err != nil {
		return nil, unavailable("name days", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var (
			name string
			d    float64
		)
		if err := rows.Scan(&name, &d); err != nil {
			return nil, unavailable("name days", err)
		}
		out[name] = d
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("name days", err)
	}
	return out, nil
}
