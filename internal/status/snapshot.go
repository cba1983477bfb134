package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SnapshotPlayer is one row of the on-disk presence snapshot consumed by
// external tooling.
type SnapshotPlayer struct {
	Name       string `json:"name"`
	PlatformID string `json:"platform_id"`
	Level      int    `json:"level"`
	Minutes    int64  `json:"online_minutes"`
	VIP        int    `json:"vip_level"`
}

type snapshotFile struct {
	UpdatedAt time.Time                   `json:"updated_at"`
	Servers   map[string][]SnapshotPlayer `json:"servers"`
}

// writeSnapshot dumps the latest tick to disk atomically (write temp,
// rename). Runs in its own goroutine so slow disks never hold up a tick.
func (l *Loop) writeSnapshot() {
	if l.snapshotPath == "" {
		return
	}
	l.mu.Lock()
	servers := make(map[string][]SnapshotPlayer, len(l.lastTick))
	for name, players := range l.lastTick {
		servers[name] = append([]SnapshotPlayer(nil), players...)
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(snapshotFile{UpdatedAt: time.Now(), Servers: servers}, "", "  ")
	if err != nil {
		l.log.Error("marshal snapshot", zap.Error(err))
		return
	}
	tmp := l.snapshotPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.snapshotPath), 0o755); err != nil {
		l.log.Error("snapshot dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.log.Error("write snapshot", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, l.snapshotPath); err != nil {
		l.log.Error("rename snapshot", zap.Error(err))
	}
}
