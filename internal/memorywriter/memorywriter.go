// Package memorywriter is a small ring-buffer log sink.
//
// It is used as the low-level trace log threaded through the device
// transport and queue core: every component logs liberally to it, and
// the status page (and a gzip debug dump) can replay the tail of that
// trace without the process having to keep a file handle open or pay
// for structured logging on the hot path.
package memorywriter

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// to prevent possible memory issues, hardcode max line length
const maxLineLength = 500

// MemoryWriter rotates lines in memory, keeping a fixed number of the
// most recent lines plus a fixed number of lines captured at startup
// (so that early init errors are never rotated away).
type MemoryWriter struct {
	mu sync.Mutex

	maxLineCount int
	lines        [][]byte
	startCount   int
	startLines   [][]byte
	startTime    time.Time
	printTime    bool

	verbose io.Writer // optional passthrough, nil to disable
}

// New creates a MemoryWriter. If verbose is non-nil, every line is
// also written there immediately (used for `-v` / verbose CLI mode).
func New(size int, startSize int, printTime bool, verbose io.Writer) (*MemoryWriter, error) {
	if size <= 0 || startSize < 0 {
		return nil, errors.New("memorywriter: invalid buffer sizes")
	}
	return &MemoryWriter{
		maxLineCount: size,
		lines:        make([][]byte, 0, size),
		startCount:   startSize,
		startLines:   make([][]byte, 0, startSize),
		startTime:    time.Now(),
		printTime:    printTime,
		verbose:      verbose,
	}, nil
}

// Log is a convenience wrapper equivalent to Println, kept short so
// call sites read as a single trace statement.
func (m *MemoryWriter) Log(s string) {
	m.Println(s)
}

// Println appends one line (without requiring the caller to add "\n").
func (m *MemoryWriter) Println(s string) {
	long := []byte(s + "\n")
	if _, err := m.Write(long); err != nil {
		fmt.Println(err)
	}
}

// Write implements io.Writer; lines longer than maxLineLength are rejected
// rather than silently truncated, so callers notice misuse during development.
func (m *MemoryWriter) Write(p []byte) (int, error) {
	if len(p) > maxLineLength {
		return 0, errors.New("memorywriter: line too long")
	}

	var newline []byte
	if !m.printTime {
		newline = append([]byte(nil), p...)
	} else {
		now := time.Now()
		elapsed := now.Sub(m.startTime)
		newline = []byte(fmt.Sprintf("[%.6f : %s] %s", elapsed.Seconds(), now.Format("15:04:05"), string(p)))
	}

	if m.verbose != nil {
		_, _ = m.verbose.Write(newline)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.startLines) < m.startCount {
		m.startLines = append(m.startLines, newline)
	} else {
		for len(m.lines) >= m.maxLineCount {
			m.lines = m.lines[1:]
		}
		m.lines = append(m.lines, newline)
	}
	return len(p), nil
}

// Tail returns up to n of the most recently written rotating lines,
// newest first. Used by the status page's live trace panel.
func (m *MemoryWriter) Tail(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > len(m.lines) {
		n = len(m.lines)
	}
	out := make([]string, 0, n)
	for i := len(m.lines) - 1; i >= len(m.lines)-n; i-- {
		out = append(out, string(m.lines[i]))
	}
	return out
}

func (m *MemoryWriter) writeTo(start string, w io.Writer) error {
	if _, err := w.Write([]byte(start)); err != nil {
		return err
	}

	m.mu.Lock()
	lines := append([][]byte(nil), m.lines...)
	startLines := append([][]byte(nil), m.startLines...)
	m.mu.Unlock()

	for i := len(lines) - 1; i >= 0; i-- {
		if _, err := w.Write(lines[i]); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("...\n")); err != nil {
		return err
	}
	for i := len(startLines) - 1; i >= 0; i-- {
		if _, err := w.Write(startLines[i]); err != nil {
			return err
		}
	}
	return nil
}

// String renders the full buffer (start lines + rotating lines) with a header.
func (m *MemoryWriter) String(start string) (string, error) {
	var b bytes.Buffer
	if err := m.writeTo(start, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip renders the full buffer compressed; no HTTP route serves it.
func (m *MemoryWriter) Gzip(start string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	gw.Name = "keepkeyd-log.txt"

	if err := m.writeTo(start, gw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
