package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
[chat]
token = "tok"

[[server]]
name          = "alpha"
enabled       = true
host          = "10.0.0.1"
rcon_port     = 25575
rcon_password = "secret"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "en", cfg.General.Language)
	require.Equal(t, "data/registry.db", cfg.General.RegistryPath)
	require.Equal(t, 4*time.Second, cfg.Marketplace.SyncWait)
	require.Equal(t, 10*time.Minute, cfg.GuildSync.Interval)
	require.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
[marketplace]
enabled          = true
currency_item_id = 11002
sync_wait        = "250ms"
spawn_poll_delay = "2s"
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 250*time.Millisecond, cfg.Marketplace.SyncWait)
	require.Equal(t, 2*time.Second, cfg.Marketplace.SpawnPollDelay)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no servers", `
[chat]
token = "tok"
`, "no [[server]]"},
		{"missing token", `
[[server]]
name = "alpha"
`, "chat.token"},
		{"webhook without secret", `
[chat]
token        = "tok"
webhook_addr = "127.0.0.1:8085"

[[server]]
name          = "alpha"
enabled       = true
host          = "10.0.0.1"
rcon_port     = 25575
rcon_password = "secret"
`, "webhook_secret"},
		{"duplicate name", minimalConfig + `
[[server]]
name          = "alpha"
enabled       = true
host          = "10.0.0.2"
rcon_port     = 25575
rcon_password = "secret"
`, "duplicate"},
		{"bad rcon port", `
[chat]
token = "tok"

[[server]]
name          = "alpha"
enabled       = true
host          = "10.0.0.1"
rcon_port     = 99999
rcon_password = "secret"
`, "rcon_port"},
		{"marketplace without currency", minimalConfig + `
[marketplace]
enabled = true
`, "currency_item_id"},
		{"buildings without query", minimalConfig + `
[server.buildings]
enabled = true
`, "query_path"},
		{"announcement without schedule", minimalConfig + `
[server.announcements]
enabled = true

[[server.announcements.messages]]
text = "hello"
`, "schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.body))
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDisabledServerSkipsChecks(t *testing.T) {
	// A disabled block only needs a name; half-written entries must not
	// block boot.
	cfg, err := Load(writeConfig(t, minimalConfig+`
[[server]]
name    = "beta"
enabled = false
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.EnabledServers(), 1)
	require.NotNil(t, cfg.Server("beta"))
	require.Nil(t, cfg.Server("gamma"))
}
