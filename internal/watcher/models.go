package watcher

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Handler получает новое содержимое файла. Вызывается из горутины таймера.
type Handler func(content string)

// Config содержит настройки для BroadcastWatcher
type Config struct {
	DebounceDuration time.Duration
	BufferSize       int
	IgnorePatterns   []string
	MaxContentSize   int64
	Logger           *slog.Logger
	Clock            clock.Clock
}
