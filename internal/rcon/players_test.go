package rcon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const listResponse = "Idx | Char name | Player name | Level | Steam ID\r\n" +
	"0 | Ragnar | ragnar_owner | 42 | 76561198000000001\r\n" +
	"3 | Freya the Bold | freya | 17 | 76561198000000002\r\n" +
	"\r\n" +
	"garbage line without pipes\r\n" +
	"x | BadIdx | who | 1 | 76561198000000003\r\n" +
	"5 | Short | row\r\n"

func TestParsePlayers(t *testing.T) {
	players := ParsePlayers(listResponse)
	require.Len(t, players, 2)

	require.Equal(t, Player{SessionIdx: 0, CharName: "Ragnar", PlatformID: "76561198000000001"}, players[0])
	require.Equal(t, Player{SessionIdx: 3, CharName: "Freya the Bold", PlatformID: "76561198000000002"}, players[1])
}

func TestParsePlayersHeaderOnly(t *testing.T) {
	require.Empty(t, ParsePlayers("Idx | Char name | Player name | Level | Steam ID\r\n"))
	require.Empty(t, ParsePlayers(""))
}

func TestFindPlayerExactMatch(t *testing.T) {
	players := ParsePlayers(listResponse)

	p, ok := FindPlayer(players, "Freya the Bold")
	require.True(t, ok)
	require.Equal(t, 3, p.SessionIdx)

	// Prefixes and case variants never match; that would target the
	// wrong session.
	_, ok = FindPlayer(players, "Freya")
	require.False(t, ok)
	_, ok = FindPlayer(players, "ragnar")
	require.False(t, ok)
}

func TestCon(t *testing.T) {
	require.Equal(t, "con 7 TeleportPlayer 1 2 3", Con(7, "TeleportPlayer 1 2 3"))
}
