package lang

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "de.yaml"),
		[]byte("market.balance: \"Kontostand: %d %s.\"\n"), 0o644))

	c, err := Load(dir, "de")
	require.NoError(t, err)
	require.Equal(t, "Kontostand: 120 Obolen.", c.Get("market.balance", 120, "Obolen"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), "fr")
	require.Error(t, err)
}

func TestGetUnknownKeyFallsBackToKey(t *testing.T) {
	// A typo in a call site must surface as the key, never swallow the
	// notification.
	c := Builtin()
	require.Equal(t, "market.no_such_key", c.Get("market.no_such_key", 1, 2))
}

func TestGetWithoutArgsReturnsTemplateVerbatim(t *testing.T) {
	c := Builtin()
	require.Equal(t, "Listing is no longer available.", c.Get("market.buy_sold"))
}
