package rcon

import (
	"strconv"
	"strings"
)

// Player is one row of a ListPlayers response.
type Player struct {
	SessionIdx int    // ephemeral per-session index, valid only while online
	CharName   string
	PlatformID string
}

// ParsePlayers parses the raw ListPlayers response: a header line followed
// by pipe-delimited rows `idx | char_name | <..> | <..> | platform_id`.
// Leading whitespace and empty lines are tolerated; malformed rows are
// skipped rather than failing the whole batch.
func ParsePlayers(raw string) []Player {
	var out []Player
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || i == 0 {
			// first line is the column header
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 5 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(fields[1])
		platform := strings.TrimSpace(fields[len(fields)-1])
		if name == "" || platform == "" {
			continue
		}
		out = append(out, Player{SessionIdx: idx, CharName: name, PlatformID: platform})
	}
	return out
}

// FindPlayer returns the row whose name equals charName exactly, or false.
func FindPlayer(players []Player, charName string) (Player, bool) {
	for _, p := range players {
		if p.CharName == charName {
			return p, true
		}
	}
	return Player{}, false
}

// Con prefixes a player-targeted console command with its session index.
func Con(sessionIdx int, cmd string) string {
	return "con " + strconv.Itoa(sessionIdx) + " " + cmd
}
