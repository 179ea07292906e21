// Package watcher следит за файлом рассылки: после каждого изменения его
// содержимое передаётся серверу для отправки всем клиентам.
package watcher

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"lanlink/internal/util/logger/sl"

	"github.com/fsnotify/fsnotify"
)

type BroadcastWatcher struct {
	watcher   *fsnotify.Watcher
	path      string
	handler   Handler
	errors    chan error
	config    Config
	log       *slog.Logger
	debouncer *Debouncer

	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBroadcastWatcher начинает следить за path. Следим за каталогом, а не за
// самим файлом: редакторы часто сохраняют через переименование.
func NewBroadcastWatcher(path string, handler Handler, config Config) (*BroadcastWatcher, error) {
	if config.DebounceDuration == 0 {
		config.DebounceDuration = DefaultDebounceDuration
	}
	if config.BufferSize == 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.MaxContentSize == 0 {
		config.MaxContentSize = DefaultMaxContentSize
	}
	if config.IgnorePatterns == nil {
		config.IgnorePatterns = IgnoredPatterns
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	dir := filepath.Dir(abs)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: directory %s is not available", ErrInvalidPath, dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	bw := &BroadcastWatcher{
		watcher:   w,
		path:      abs,
		handler:   handler,
		errors:    make(chan error, config.BufferSize),
		config:    config,
		log:       config.Logger.With(slog.String("component", "watcher"), slog.String("path", abs)),
		debouncer: NewDebouncer(config.DebounceDuration, config.Clock),
		stopChan:  make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.run()

	return bw, nil
}

func (bw *BroadcastWatcher) run() {
	defer bw.wg.Done()

	for {
		select {
		case <-bw.stopChan:
			return
		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if bw.shouldProcessEvent(event) {
				bw.debouncer.Debounce(bw.path, bw.publish)
			}
		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			bw.handleError(err)
		}
	}
}

func (bw *BroadcastWatcher) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op&WatchedEvents == 0 {
		return false
	}
	for _, pattern := range bw.config.IgnorePatterns {
		if strings.Contains(event.Name, pattern) {
			return false
		}
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == bw.path
}

func (bw *BroadcastWatcher) publish() {
	content, err := bw.read()
	if err != nil {
		bw.handleError(err)
		return
	}
	if content == "" {
		return
	}
	bw.log.Debug("Broadcast file changed", slog.Int("size", len(content)))
	bw.handler(content)
}

func (bw *BroadcastWatcher) read() (string, error) {
	f, err := os.Open(bw.path)
	if err != nil {
		return "", fmt.Errorf("failed to open broadcast file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, bw.config.MaxContentSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read broadcast file: %w", err)
	}
	if int64(len(data)) > bw.config.MaxContentSize {
		return "", ErrContentTooLarge
	}
	return strings.TrimSpace(string(data)), nil
}

func (bw *BroadcastWatcher) handleError(err error) {
	select {
	case bw.errors <- err:
	default:
		bw.log.Warn("Error buffer full, dropping error", sl.Err(err))
	}
}

// Errors ошибки чтения файла и fsnotify. Канал не закрывается: публикация
// из таймера может прийти уже после Close.
func (bw *BroadcastWatcher) Errors() <-chan error {
	return bw.errors
}

func (bw *BroadcastWatcher) Close() error {
	err := ErrWatcherClosed
	bw.closeOnce.Do(func() {
		close(bw.stopChan)
		bw.wg.Wait()
		bw.debouncer.Stop()

		err = nil
		if cerr := bw.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	})
	return err
}
