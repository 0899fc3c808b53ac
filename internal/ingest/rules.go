package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// RuleSet maps a topic to the payload fields that must be present.
type RuleSet map[string][]string

// Rules serves the operator-editable validation rules file and hot-reloads
// it when the file changes on disk. An empty path disables the whole
// mechanism: every lookup returns no required fields.
type Rules struct {
	path string
	log  zerolog.Logger

	current atomic.Value // RuleSet
	reloads atomic.Int64

	watcher *fsnotify.Watcher

	// Debounce: coalesce rapid Create+Write events from editors that
	// truncate-then-write.
	debounceMu sync.Mutex
	debounce   *time.Timer
}

func NewRules(path string, log zerolog.Logger) *Rules {
	r := &Rules{
		path: path,
		log:  log.With().Str("component", "rules").Logger(),
	}
	r.current.Store(RuleSet{})
	return r
}

// Load reads the rules file. A missing file is not an error: the pipeline
// runs with envelope-level validation only. Malformed JSON is an error so a
// bad deploy fails loudly at startup.
func (r *Rules) Load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Warn().Str("path", r.path).Msg("validation rules file not found, running without field rules")
			return nil
		}
		return fmt.Errorf("reading validation rules: %w", err)
	}
	rs, err := parseRules(data)
	if err != nil {
		return fmt.Errorf("parsing validation rules %s: %w", r.path, err)
	}
	r.current.Store(rs)
	r.log.Info().Str("path", r.path).Int("topics", len(rs)).Msg("validation rules loaded")
	return nil
}

// Watch begins monitoring the rules file's directory and reloads on change.
// Reload failures keep the previous rules in effect.
func (r *Rules) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the parent directory so replace-by-rename (the common editor
	// save strategy) is still observed.
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching rules directory: %w", err)
	}
	r.watcher = w

	go r.watchLoop(ctx)
	return nil
}

func (r *Rules) watchLoop(ctx context.Context) {
	target, _ := filepath.Abs(r.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			name, _ := filepath.Abs(event.Name)
			if name != target {
				continue
			}
			r.scheduleReload()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleReload debounces the reload by 500ms so we read the file once,
// after the editor has finished writing it.
func (r *Rules) scheduleReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()

	if r.debounce != nil {
		r.debounce.Reset(500 * time.Millisecond)
		return
	}
	r.debounce = time.AfterFunc(500*time.Millisecond, func() {
		r.debounceMu.Lock()
		r.debounce = nil
		r.debounceMu.Unlock()

		r.reload()
	})
}

func (r *Rules) reload() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("rules reload failed, keeping previous rules")
		return
	}
	rs, err := parseRules(data)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("rules file malformed, keeping previous rules")
		return
	}
	r.current.Store(rs)
	r.reloads.Add(1)
	r.log.Info().Str("path", r.path).Int("topics", len(rs)).Msg("validation rules reloaded")
}

// RequiredFields returns the configured required payload fields for a topic.
func (r *Rules) RequiredFields(topic string) []string {
	rs, _ := r.current.Load().(RuleSet)
	return rs[topic]
}

// Reloads reports how many hot reloads have been applied.
func (r *Rules) Reloads() int64 {
	return r.reloads.Load()
}

// Close stops the file watcher.
func (r *Rules) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func parseRules(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	if rs == nil {
		rs = RuleSet{}
	}
	return rs, nil
}
