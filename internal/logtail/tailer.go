package logtail

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// DefaultMaxReadBytes bounds a single poll. A runaway server dumping a
// giant trace must not balloon this process's memory.
const DefaultMaxReadBytes = 2 << 20

// Tailer follows one log file that is being written live. It keeps a byte
// offset between polls, survives rotation, and never reads more than the
// configured budget in one go.
type Tailer struct {
	path         string
	maxReadBytes int64
	tailBytes    int64 // boot-time preview window, 0 = start at EOF
	decoder      *encoding.Decoder
	log          *zap.Logger

	offset      int64
	initialized bool
}

// New creates a tailer for path. encodingName selects the log file's
// character encoding; unknown or empty names fall back to lossy UTF-8.
func New(path, encodingName string, tailBytes int64, log *zap.Logger) *Tailer {
	return &Tailer{
		path:         path,
		maxReadBytes: DefaultMaxReadBytes,
		tailBytes:    tailBytes,
		decoder:      decoderFor(encodingName),
		log:          log.With(zap.String("file", path)),
	}
}

func decoderFor(name string) *encoding.Decoder {
	switch strings.ToLower(name) {
	case "utf-16le", "utf16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder()
	default:
		// Lossy: invalid bytes decode to U+FFFD instead of aborting the
		// tailer.
		return unicode.UTF8.NewDecoder()
	}
}

// Poll reads and returns the complete lines appended since the last call.
// A missing file is not an error; it returns no lines.
func (t *Tailer) Poll() ([]string, error) {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", t.path, err)
	}
	size := info.Size()

	if !t.initialized {
		t.offset = size
		if t.tailBytes > 0 && t.tailBytes < size {
			t.offset = size - t.tailBytes
		}
		t.initialized = true
	}

	// Shrink means the file was rotated or truncated under us.
	if size < t.offset {
		t.log.Info("log rotation detected, resetting offset",
			zap.Int64("size", size), zap.Int64("offset", t.offset))
		t.offset = 0
	}
	if size == t.offset {
		return nil, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", t.path, err)
	}
	chunk := make([]byte, t.maxReadBytes)
	n, err := io.ReadFull(f, chunk)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read %s: %w", t.path, err)
	}
	chunk = chunk[:n]
	if n == 0 {
		return nil, nil
	}

	last := bytes.LastIndexByte(chunk, '\n')
	if last < 0 {
		if int64(n) >= t.maxReadBytes {
			// A single line longer than the whole budget. Buffering it
			// would defeat the bound, so drop it.
			t.log.Warn("line exceeds read budget, skipping chunk",
				zap.Int("bytes", n))
			t.offset += int64(n)
		}
		// Otherwise a partial trailing line: leave it for the next tick.
		return nil, nil
	}

	t.offset += int64(last + 1)
	t.decoder.Reset()
	decoded, err := t.decoder.Bytes(chunk[:last+1])
	if err != nil {
		// Decoders here are replacing, not failing, but guard anyway.
		decoded = chunk[:last+1]
	}

	var lines []string
	for _, line := range strings.Split(string(decoded), "\n") {
		line = strings.TrimRight(line, "\r\x00")
		line = strings.TrimLeft(line, "\x00")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Offset reports the current byte offset, for observability.
func (t *Tailer) Offset() int64 { return t.offset }
