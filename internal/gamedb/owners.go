package gamedb

import (
	"context"
	"database/sql"
)

// Owner is the resolution of one opaque owner id from a building-pieces
// query: either a guild (with every member's platform id) or a single
// character.
type Owner struct {
	ID          int64
	Name        string
	IsGuild     bool
	PlatformIDs []string
}

// ResolveOwners determines, for a set of opaque owner ids, whether each is
// a guild or a character and collects the associated platform ids. The
// building set can reach thousands of pieces, so this is a fixed number of
// batched queries, never a per-id loop.
func (r *Reader) ResolveOwners(ctx context.Context, ownerIDs []int64) (map[int64]Owner, error) {
	out := make(map[int64]Owner, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}

	// Pass 1: which ids are guilds.
	for _, chunk := range chunkInts(ownerIDs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := r.db.QueryContext(ctx,
			`SELECT guildId, name FROM guilds WHERE guildId IN (`+placeholders(len(chunk))+`)`,
			args...)
		if err != nil {
			return nil, unavailable("resolve guilds", err)
		}
		if err := scanRows(rows, func(rows *sql.Rows) error {
			var o Owner
			if err := rows.Scan(&o.ID, &o.Name); err != nil {
				return err
			}
			o.IsGuild = true
			out[o.ID] = o
			return nil
		}); err != nil {
			return nil, unavailable("resolve guilds", err)
		}
	}

	// Pass 2: member platform ids for every guild found.
	var guildIDs []int64
	for id, o := range out {
		if o.IsGuild {
			guildIDs = append(guildIDs, id)
		}
	}
	for _, chunk := range chunkInts(guildIDs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := r.db.QueryContext(ctx,
			`SELECT c.guild, a.platformId
			 FROM characters c
			 JOIN account a ON a.id = c.playerId
			 WHERE c.guild IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, unavailable("resolve guild members", err)
		}
		if err := scanRows(rows, func(rows *sql.Rows) error {
			var (
				guildID  int64
				platform string
			)
			if err := rows.Scan(&guildID, &platform); err != nil {
				return err
			}
			o := out[guildID]
			o.PlatformIDs = append(o.PlatformIDs, platform)
			out[guildID] = o
			return nil
		}); err != nil {
			return nil, unavailable("resolve guild members", err)
		}
	}

	// Pass 3: remaining ids are characters.
	var charIDs []int64
	for _, id := range ownerIDs {
		if _, isGuild := out[id]; !isGuild {
			charIDs = append(charIDs, id)
		}
	}
	for _, chunk := range chunkInts(charIDs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := r.db.QueryContext(ctx,
			`SELECT c.id, c.char_name, COALESCE(a.platformId, '')
			 FROM characters c
			 LEFT JOIN account a ON a.id = c.playerId
			 WHERE c.id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, unavailable("resolve characters", err)
		}
		if err := scanRows(rows, func(rows *sql.Rows) error {
			var (
				o        Owner
				platform string
			)
			if err := rows.Scan(&o.ID, &o.Name, &platform); err != nil {
				return err
			}
			if platform != "" {
				o.PlatformIDs = []string{platform}
			}
			out[o.ID] = o
			return nil
		}); err != nil {
			return nil, unavailable("resolve characters", err)
		}
	}

	return out, nil
}

// GuildMembers returns the platform ids of every member of one guild.
func (r *Reader) GuildMembers(ctx context.Context, guildID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.platformId
		 FROM characters c
		 JOIN account a ON a.id = c.playerId
		 WHERE c.guild = ?`, guildID)
	if err != nil {
		return nil, unavailable("guild members", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("guild members", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("guild members", err)
	}
	return out, nil
}

func scanRows(rows *sql.Rows, each func(*sql.Rows) error) error {
	defer rows.Close()
	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func chunkInts(items []int64) [][]int64 {
	var out [][]int64
	for len(items) > chunkSize {
		out = append(out, items[:chunkSize])
		items = items[chunkSize:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
