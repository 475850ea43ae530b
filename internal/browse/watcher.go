package browse

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"apitap/internal/apierr"
	"apitap/internal/constants"
	"apitap/internal/events"
)

// Watcher follows the skills directory and, when a skill file changes,
// evicts that domain from the cache and publishes skills.changed.
// Rapid rewrites of the same file collapse into one notification.
type Watcher struct {
	fs       *fsnotify.Watcher
	bus      *events.Hub
	cache    Cache
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatchSkills starts watching dir. bus and cache may be nil.
func WatchSkills(dir string, bus *events.Hub, cache Cache) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "browse: failed to create skills watcher", err)
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, apierr.Wrap(apierr.KindIO, "browse: failed to watch skills dir", err)
	}

	w := &Watcher{
		fs:       fs,
		bus:      bus,
		cache:    cache,
		debounce: constants.SkillsWatchDebounce,
		pending:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	go w.loop()
	log.WithField("dir", dir).Info("browse: skills watcher started")
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watcher) loop() {
	defer w.fs.Close()

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			if !strings.HasSuffix(base, ".json") {
				continue
			}
			w.mark(strings.TrimSuffix(base, ".json"))

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("browse: skills watcher error")

		case <-w.stopCh:
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		}
	}
}

func (w *Watcher) mark(domain string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[domain] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	domains := make([]string, 0, len(w.pending))
	for domain := range w.pending {
		domains = append(domains, domain)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()
	sort.Strings(domains)

	ctx := context.Background()
	for _, domain := range domains {
		evicted := 0
		if w.cache != nil {
			evicted = w.cache.EvictDomain(ctx, domain)
		}
		if w.bus != nil {
			w.bus.Publish(ctx, events.TopicSkillsChanged, map[string]any{"domain": domain}, nil)
		}
		log.WithFields(log.Fields{"domain": domain, "evicted": evicted}).
			Debug("browse: skill file changed")
	}
}
