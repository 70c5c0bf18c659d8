package scripting

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/longhorn/engine/internal/core/ecs"
)

// DefaultConsoleCapacity is the ring buffer size.
const DefaultConsoleCapacity = 1000

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "info"
}

// ZapLevel maps a console level to the host logger level.
func (l Level) ZapLevel() zapcore.Level {
	switch l {
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

type ConsoleEntry struct {
	Time    time.Time
	Level   Level
	Script  string
	Entity  ecs.EntityID
	Message string
}

// Console is a bounded ring buffer of script output. When full, the
// oldest entry is overwritten. It is owned by the script host and used
// only from the loop goroutine.
type Console struct {
	buf     []ConsoleEntry
	head    int // index of the oldest entry
	n       int
	dropped uint64
}

func NewConsole(capacity int) *Console {
	if capacity <= 0 {
		capacity = DefaultConsoleCapacity
	}
	return &Console{buf: make([]ConsoleEntry, capacity)}
}

func (c *Console) Push(e ConsoleEntry) {
	if c.n == len(c.buf) {
		c.buf[c.head] = e
		c.head = (c.head + 1) % len(c.buf)
		c.dropped++
		return
	}
	c.buf[(c.head+c.n)%len(c.buf)] = e
	c.n++
}

func (c *Console) Len() int { return c.n }

func (c *Console) Cap() int { return len(c.buf) }

// Dropped counts entries overwritten before they were drained.
func (c *Console) Dropped() uint64 { return c.dropped }

// Entries copies the buffered entries, oldest first, without draining.
func (c *Console) Entries() []ConsoleEntry {
	out := make([]ConsoleEntry, c.n)
	for i := 0; i < c.n; i++ {
		out[i] = c.buf[(c.head+i)%len(c.buf)]
	}
	return out
}

// Drain returns the buffered entries, oldest first, and empties the buffer.
func (c *Console) Drain() []ConsoleEntry {
	out := c.Entries()
	clear(c.buf)
	c.head, c.n = 0, 0
	return out
}
