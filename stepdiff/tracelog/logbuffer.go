package tracelog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is a single log message with metadata
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

// Buffer is a thread-safe circular buffer of log entries
type Buffer struct {
	entries []Entry
	size    int
	index   int
	count   int
	mutex   sync.RWMutex
}

// NewBuffer creates a buffer holding the last size entries
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Add inserts a new entry, overwriting the oldest one when full
func (b *Buffer) Add(entry Entry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries[b.index] = entry
	b.index = (b.index + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Recent returns up to maxCount of the most recent entries, oldest first.
// maxCount <= 0 returns everything held.
func (b *Buffer) Recent(maxCount int) []Entry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if b.count == 0 {
		return nil
	}

	count := b.count
	if maxCount > 0 && maxCount < count {
		count = maxCount
	}

	result := make([]Entry, count)
	for i := 0; i < count; i++ {
		// i-th newest entry goes to the end
		entryIndex := (b.index - 1 - i + b.size) % b.size
		result[count-1-i] = b.entries[entryIndex]
	}
	return result
}

// Clear removes all entries
func (b *Buffer) Clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.count = 0
	b.index = 0
}

// Handler is a slog.Handler that captures records into a Buffer
type Handler struct {
	buffer *Buffer
	level  slog.Leveler
	prefix string // pre-rendered attributes from WithAttrs
	group  string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler creates a handler writing records at or above level into buffer
func NewHandler(buffer *Buffer, level slog.Leveler) *Handler {
	return &Handler{buffer: buffer, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(record.Message)
	sb.WriteString(h.prefix)
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.group, a)
		return true
	})

	h.buffer.Add(Entry{
		Time:    record.Time,
		Level:   record.Level,
		Message: sb.String(),
	})
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&sb, h.group, a)
	}
	clone := *h
	clone.prefix = sb.String()
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func writeAttr(sb *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(sb, " %s=%v", key, a.Value)
}

// Format renders an entry on one line
func Format(entry Entry) string {
	levelStr := ""
	switch entry.Level {
	case slog.LevelDebug:
		levelStr = "DBG"
	case slog.LevelInfo:
		levelStr = "INF"
	case slog.LevelWarn:
		levelStr = "WRN"
	case slog.LevelError:
		levelStr = "ERR"
	default:
		levelStr = "???"
	}

	timeStr := entry.Time.Format("15:04:05.000")
	return fmt.Sprintf("%s [%s] %s", timeStr, levelStr, entry.Message)
}
