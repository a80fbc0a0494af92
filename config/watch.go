package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"worshiproom/logger"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads engine tunables when the env file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	base    EngineConfig
	apply   func(EngineConfig)
	done    chan struct{}
}

// Watch starts watching path. After every change the ENGINE_* keys in the
// file are laid over base, the config the process started with, and the
// result is passed to apply. The parent directory is watched so that
// atomic-rename saves are picked up.
func Watch(path string, base EngineConfig, apply func(EngineConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &Watcher{watcher: fw, path: abs, base: base, apply: apply, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var pending <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", logger.ErrorField(err))
		}
	}
}

func (w *Watcher) reload() {
	values, err := godotenv.Read(w.path)
	if err != nil {
		logger.Warn("failed to reload config", logger.String("path", w.path), logger.ErrorField(err))
		return
	}
	engine := EngineFromMap(values, w.base)
	logger.Info("engine config reloaded",
		logger.String("path", w.path),
		logger.Duration("clientBuffer", engine.ClientBuffer),
		logger.Duration("afkTimeout", engine.DefaultAFKTimeout),
		logger.Float64("skipRatio", engine.DefaultSkipRatio),
		logger.Bool("archiveHistory", engine.ArchiveHistoryOnClose))
	w.apply(engine)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

// EngineFromMap overlays the ENGINE_* keys found in values onto base.
// Unparsable values and skip ratios outside [0,1] keep the base value.
func EngineFromMap(values map[string]string, base EngineConfig) EngineConfig {
	dur := func(key string, into *time.Duration) {
		if v, ok := values[key]; ok {
			if d, err := time.ParseDuration(v); err == nil {
				*into = d
			}
		}
	}
	flag := func(key string, into *bool) {
		if v, ok := values[key]; ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*into = b
			}
		}
	}
	num := func(key string, into *int) {
		var n int
		if v, ok := values[key]; ok {
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				*into = n
			}
		}
	}

	dur("ENGINE_CLIENT_BUFFER", &base.ClientBuffer)
	dur("ENGINE_TICK_INTERVAL", &base.TickInterval)
	dur("ENGINE_TICK_TIMEOUT", &base.TickTimeout)
	dur("ENGINE_AFK_TIMEOUT", &base.DefaultAFKTimeout)
	dur("ENGINE_SONG_COOLDOWN", &base.DefaultCooldown)
	dur("ENGINE_PERSIST_TIMEOUT", &base.PersistTimeout)
	num("ENGINE_TICK_PARALLELISM", &base.TickParallelism)
	num("ENGINE_SUBSCRIBER_BUFFER", &base.SubscriberBuffer)
	num("ENGINE_MAILBOX_SIZE", &base.MailboxSize)
	flag("ENGINE_RESTORE_ON_STARTUP", &base.RestoreOnStartup)
	flag("ENGINE_ARCHIVE_HISTORY", &base.ArchiveHistoryOnClose)
	if v, ok := values["ENGINE_SKIP_THRESHOLD"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			base.DefaultSkipRatio = skipRatio(f, base.DefaultSkipRatio)
		}
	}
	return base
}
