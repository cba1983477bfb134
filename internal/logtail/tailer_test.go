package logtail

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestPollStartsAtEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	writeLog(t, path, "old line 1\nold line 2\n")

	tl := New(path, "", 0, zap.NewNop())

	lines, err := tl.Poll()
	require.NoError(t, err)
	require.Empty(t, lines, "history before the first poll is not replayed")

	appendLog(t, path, "new line\n")
	lines, err = tl.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"new line"}, lines)
}

func TestPollBootTailWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	writeLog(t, path, "aaaa\nbbbb\ncccc\n")

	// Window covers the last two lines plus a partial first one.
	tl := New(path, "", 12, zap.NewNop())

	lines, err := tl.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bbbb", "cccc"}, lines)
}

func TestPollMissingFile(t *testing.T) {
	tl := New(filepath.Join(t.TempDir(), "absent.log"), "", 0, zap.NewNop())
	lines, err := tl.Poll()
	require.NoError(t, err)
	require.Nil(t, lines)
}

func TestPollPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	writeLog(t, path, "")
	tl := New(path, "", 0, zap.NewNop())
	_, err := tl.Poll()
	require.NoError(t, err)

	appendLog(t, path, "complete\nincompl")
	lines, err := tl.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"complete"}, lines)

	// The fragment stays buffered in the file until its newline arrives.
	appendLog(t, path, "ete\n")
	lines, err = tl.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"incomplete"}, lines)
}

func TestPollRotationResetsToStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	writeLog(t, path, "before rotation, long enough to matter\n")
	tl := New(path, "", 0, zap.NewNop())
	_, err := tl.Poll()
	require.NoError(t, err)

	// Rotation: the file is replaced with a shorter one.
	writeLog(t, path, "fresh\n")
	lines, err := tl.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, lines)
}

func TestPollReadBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	writeLog(t, path, "")
	tl := New(path, "", 0, zap.NewNop())
	tl.maxReadBytes = 32
	_, err := tl.Poll()
	require.NoError(t, err)

	// One line far beyond the budget: dropped, offset advanced past the
	// read chunk so the tailer is not stuck forever.
	appendLog(t, path, strings.Repeat("x", 100))
	lines, err := tl.Poll()
	require.NoError(t, err)
	require.Empty(t, lines)
	require.Equal(t, int64(32), tl.Offset())

	// Catches up chunk by chunk, then resumes normal lines.
	for i := 0; i < 3; i++ {
		_, err = tl.Poll()
		require.NoError(t, err)
	}
	appendLog(t, path, "\nafter\n")
	var got []string
	for i := 0; i < 3; i++ {
		lines, err = tl.Poll()
		require.NoError(t, err)
		got = append(got, lines...)
	}
	require.Contains(t, got, "after")
}

func TestPollCRLFAndNulTrimming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	writeLog(t, path, "")
	tl := New(path, "", 0, zap.NewNop())
	_, err := tl.Poll()
	require.NoError(t, err)

	appendLog(t, path, "windows line\r\n\x00padded\r\n")
	lines, err := tl.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"windows line", "padded"}, lines)
}

func TestPollWindows1252(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	writeLog(t, path, "")
	tl := New(path, "windows-1252", 0, zap.NewNop())
	_, err := tl.Poll()
	require.NoError(t, err)

	// 0xE9 is é in Windows-1252 and invalid on its own in UTF-8.
	appendLog(t, path, "caf\xe9\n")
	lines, err := tl.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"café"}, lines)
}
