package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadPipelineDefinition reads and decodes a single `*.tool.json` file
// (§4.7) into a PipelineDefinition.
func LoadPipelineDefinition(path string) (PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineDefinition{}, fmt.Errorf("read pipeline definition %s: %w", path, err)
	}
	var def PipelineDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return PipelineDefinition{}, fmt.Errorf("decode pipeline definition %s: %w", path, err)
	}
	return def, nil
}

// LoadPipelineDefinitions reads every `*.tool.json` file directly under
// dir.
func LoadPipelineDefinitions(dir string) ([]PipelineDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipeline tool directory %s: %w", dir, err)
	}
	var defs []PipelineDefinition
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tool.json") {
			continue
		}
		def, err := LoadPipelineDefinition(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Watcher watches a directory of `*.tool.json` files and invokes onReload
// with the refreshed set whenever a file in it is created, written, or
// removed, debounced so a burst of filesystem events collapses into one
// reload.
type Watcher struct {
	dir      string
	onReload func([]PipelineDefinition)
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a pipeline-tool directory watcher. debounce <= 0
// defaults to 250ms.
func NewWatcher(dir string, debounce time.Duration, onReload func([]PipelineDefinition)) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{dir: dir, onReload: onReload, debounce: debounce}
}

// Start begins watching; it loads the current definitions once
// synchronously before returning, then watches for further changes until
// ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create pipeline tool watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		w.mu.Unlock()
		return fmt.Errorf("watch pipeline tool directory %s: %w", w.dir, err)
	}
	w.watcher = fw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if defs, err := LoadPipelineDefinitions(w.dir); err == nil {
		w.onReload(defs)
	}

	w.wg.Add(1)
	go w.loop(watchCtx, fw)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()
	var timer *time.Timer
	var timerMu sync.Mutex

	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			defs, err := LoadPipelineDefinitions(w.dir)
			if err == nil {
				w.onReload(defs)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if strings.HasSuffix(event.Name, ".tool.json") {
				schedule()
			}
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
		}
	}
}
