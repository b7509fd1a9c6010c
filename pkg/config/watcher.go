package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Change describes a config file reload, naming the flattened keys whose
// values differ from the previous load (e.g. "telemetry.enabled").
type Change struct {
	Keys []string
}

// Affects reports whether any changed key equals key or sits under it.
func (c Change) Affects(key string) bool {
	for _, k := range c.Keys {
		if k == key || len(k) > len(key) && k[:len(key)] == key && k[len(key)] == '.' {
			return true
		}
	}
	return false
}

// Watcher watches a config file and reports which keys changed on each
// rewrite. The parent directory is watched so atomic save patterns
// (write temp file, rename over) are still observed.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu          sync.Mutex
	known       map[string]interface{}
	subscribers []chan Change
}

// NewWatcher starts watching the given config file. The file does not have
// to exist yet; a later create is reported like a write.
func NewWatcher(path string) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    absPath,
		watcher: fw,
		cancel:  cancel,
		known:   flattenFile(absPath),
	}

	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		cancel()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go w.watchLoop(ctx)
	return w, nil
}

// Subscribe returns a channel receiving a Change per observed reload.
// Slow consumers miss intermediate changes rather than blocking the loop.
func (w *Watcher) Subscribe() <-chan Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan Change, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, w.reload)
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// reload re-parses the file and notifies subscribers of the diff.
func (w *Watcher) reload() {
	next := flattenFile(w.path)

	w.mu.Lock()
	change := Change{Keys: diffKeys(w.known, next)}
	w.known = next
	subscribers := make([]chan Change, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	if len(change.Keys) == 0 {
		return
	}
	for _, ch := range subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

// flattenFile parses the YAML file into flattened dotted keys.
// A missing or unparseable file flattens to an empty map.
func flattenFile(path string) map[string]interface{} {
	content, err := os.ReadFile(path)
	if err != nil {
		return map[string]interface{}{}
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return map[string]interface{}{}
	}
	return k.All()
}

// diffKeys returns keys present in exactly one map or with unequal values.
func diffKeys(prev, next map[string]interface{}) []string {
	var keys []string
	for k, v := range next {
		if pv, ok := prev[k]; !ok || !reflect.DeepEqual(pv, v) {
			keys = append(keys, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys
}
