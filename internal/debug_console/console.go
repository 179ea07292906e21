// Package debugconsole выводит диагностические строки узла и принимает
// текстовые команды оператора.
package debugconsole

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

const (
	DefaultHistorySize = 256
	DefaultBufferSize  = 128
)

// Sink принимает строку и не блокирует вызывающего.
type Sink interface {
	Print(s string)
}

// SinkFunc адаптер для функций.
type SinkFunc func(string)

func (f SinkFunc) Print(s string) { f(s) }

// Discard ничего не выводит.
var Discard Sink = SinkFunc(func(string) {})

type Config struct {
	HistorySize int
	BufferSize  int
	// Prefix печатается перед каждой строкой, например имя узла
	Prefix string
}

// Console буферизует строки и печатает их из отдельной горутины.
// Строка, уже присутствующая в истории, повторно не выводится.
type Console struct {
	out     io.Writer
	cfg     Config
	lines   chan string
	dropped atomic.Int64

	mu      sync.Mutex
	history []string
	shown   map[string]int
}

func New(out io.Writer, cfg Config) *Console {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Console{
		out:   out,
		cfg:   cfg,
		lines: make(chan string, cfg.BufferSize),
		shown: make(map[string]int),
	}
}

// Print ставит строку в очередь на вывод. Если буфер полон, строка отбрасывается.
func (c *Console) Print(s string) {
	if s == "" {
		return
	}
	if !c.remember(s) {
		return
	}
	select {
	case c.lines <- s:
	default:
		c.dropped.Add(1)
	}
}

// Run печатает строки до отмены контекста.
func (c *Console) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case s := <-c.lines:
			c.write(s)
		}
	}
}

// History возвращает выведенные строки, от старых к новым.
func (c *Console) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Console) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Console) remember(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.shown[s]; exists {
		return false
	}

	c.history = append(c.history, s)
	c.shown[s]++
	if len(c.history) > c.cfg.HistorySize {
		oldest := c.history[0]
		c.history = c.history[1:]
		if c.shown[oldest]--; c.shown[oldest] <= 0 {
			delete(c.shown, oldest)
		}
	}
	return true
}

func (c *Console) flush() {
	for {
		select {
		case s := <-c.lines:
			c.write(s)
		default:
			return
		}
	}
}

func (c *Console) write(s string) {
	ts := color.HiBlackString(time.Now().Format("15:04:05.000"))
	if c.cfg.Prefix != "" {
		fmt.Fprintf(c.out, "%s %s %s\n", ts, color.GreenString(c.cfg.Prefix), s)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", ts, s)
}
