// Package watch ingests capture files dropped into a directory by the
// proxy add-on. Files are picked up once they stop changing, fed through
// the ingest pipeline, and deleted on success.
package watch

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/contextlens/contextlens/internal/capture"
	"github.com/contextlens/contextlens/internal/ingest"
	"github.com/contextlens/contextlens/internal/store"
)

// settleDelay is how long a file must sit unmodified before it is read.
// The proxy add-on writes captures in a single pass, so a short window
// is enough to avoid reading partial writes.
const settleDelay = 500 * time.Millisecond

// failedSuffix marks capture files that could not be ingested. They are
// renamed rather than deleted so the payload survives for inspection.
const failedSuffix = ".failed"

// Watcher monitors a directory for capture files and stores them.
type Watcher struct {
	dir       string
	store     *store.Store
	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time

	settle time.Duration
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a watcher over dir. The directory is created if missing.
func New(dir string, st *store.Store) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create captures dir: %w", err)
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		dir:       dir,
		store:     st,
		fsWatcher: fsWatcher,
		pending:   make(map[string]time.Time),
		settle:    settleDelay,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. Capture files already present in the directory
// are queued for processing before new events are handled.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		w.fsWatcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.fsWatcher.Close()
		return fmt.Errorf("scan %s: %w", w.dir, err)
	}
	now := time.Now()
	w.mu.Lock()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := filepath.Join(w.dir, entry.Name())
		if !isCaptureFile(name) {
			continue
		}
		// Backdate so the initial scan processes on the first tick.
		w.pending[name] = now.Add(-w.settle)
	}
	w.mu.Unlock()

	w.wg.Add(2)
	go w.eventLoop()
	go w.settleLoop()
	return nil
}

// Stop shuts the watcher down. Pending files are left on disk and will
// be picked up by the initial scan on the next start.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func isCaptureFile(path string) bool {
	if strings.HasSuffix(path, failedSuffix) {
		return false
	}
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isCaptureFile(event.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("capture watcher error: %v", err)
		}
	}
}

func (w *Watcher) settleLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			for _, path := range w.takeSettled(now) {
				w.process(path)
			}
		}
	}
}

// takeSettled removes and returns paths whose last write is older than
// the settle window.
func (w *Watcher) takeSettled(now time.Time) []string {
	threshold := now.Add(-w.settle)
	w.mu.Lock()
	defer w.mu.Unlock()
	var ready []string
	for path, lastWrite := range w.pending {
		if lastWrite.Before(threshold) || lastWrite.Equal(threshold) {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	return ready
}

// process ingests a single capture file. Successfully stored files are
// removed; files that fail to parse are renamed aside so they are not
// retried forever.
func (w *Watcher) process(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("read capture %s: %v", filepath.Base(path), err)
		return
	}

	var rc capture.RawCapture
	if err := json.Unmarshal(data, &rc); err != nil {
		log.Printf("malformed capture %s: %v", filepath.Base(path), err)
		w.quarantine(path)
		return
	}

	in, err := ingest.Convert(&rc)
	if err != nil {
		log.Printf("rejected capture %s: %v", filepath.Base(path), err)
		w.quarantine(path)
		return
	}

	entry := w.store.StoreRequest(in)
	log.Printf("ingested capture %s as entry %d (conversation %s)",
		filepath.Base(path), entry.ID, entry.ConversationID)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("remove capture %s: %v", filepath.Base(path), err)
	}
}

func (w *Watcher) quarantine(path string) {
	if err := os.Rename(path, path+failedSuffix); err != nil && !os.IsNotExist(err) {
		log.Printf("quarantine capture %s: %v", filepath.Base(path), err)
	}
}
