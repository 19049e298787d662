package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxTailLines is how many recent log lines a LogWatcher keeps for error
// reports.
const maxTailLines = 40

// LogWatcher reads a growing log file incrementally and reports the first
// line containing one of its fatal markers. Lines containing an ignore
// marker are never treated as fatal. A LogWatcher is not safe for
// concurrent use.
type LogWatcher struct {
	path    string
	fatal   []string
	ignore  []string
	offset  int64
	partial []byte
	tail    []string
}

// NewLogWatcher returns a watcher for path starting at offset zero.
func NewLogWatcher(path string, fatal, ignore []string) *LogWatcher {
	return &LogWatcher{path: path, fatal: fatal, ignore: ignore}
}

// Scan consumes whatever was appended since the previous call. It returns
// the first fatal line found, if any. A file that does not exist yet is
// treated as empty.
func (w *LogWatcher) Scan() (fatalLine string, found bool, err error) {
	f, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("open log %s: %w", w.path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return "", false, fmt.Errorf("seek log %s: %w", w.path, err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return "", false, fmt.Errorf("read log %s: %w", w.path, err)
	}
	w.offset += int64(len(chunk))

	data := append(w.partial, chunk...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:i], "\r"))
		data = data[i+1:]
		w.remember(line)
		if !found && w.isFatal(line) {
			fatalLine, found = line, true
		}
	}
	w.partial = append(w.partial[:0], data...)
	return fatalLine, found, nil
}

// Tail returns the most recent complete lines seen, oldest first.
func (w *LogWatcher) Tail() string {
	return strings.Join(w.tail, "\n")
}

func (w *LogWatcher) remember(line string) {
	if len(w.tail) == maxTailLines {
		copy(w.tail, w.tail[1:])
		w.tail = w.tail[:maxTailLines-1]
	}
	w.tail = append(w.tail, line)
}

func (w *LogWatcher) isFatal(line string) bool {
	for _, m := range w.ignore {
		if strings.Contains(line, m) {
			return false
		}
	}
	for _, m := range w.fatal {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// TailFile returns at most the last max bytes of the file at path, starting
// at a line boundary when one is available. Read errors yield "".
func TailFile(path string, maxBytes int64) string {
	f, err := os.Open(path) //nolint:gosec // G304: path is inside the instance workspace
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	start := max(info.Size()-maxBytes, 0)
	buf := make([]byte, info.Size()-start)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	if start > 0 {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}
	return string(bytes.TrimRight(buf, "\n"))
}
