// Package watch delivers create/delete/move notifications for every file
// under a watched root, recursively.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultRenamePairWindow bounds how long a rename waits for its matching
// create before degrading to a delete.
const DefaultRenamePairWindow = 250 * time.Millisecond

// Handlers receives filesystem notifications. Nil handlers are skipped.
// Handlers run on the subscription's event goroutine, one per root.
type Handlers struct {
	OnCreate func(path string)
	OnDelete func(path string)
	OnMove   func(src, dest string)
}

// Subscription watches one root directory tree. Directories created under
// the root are added to the watch automatically.
type Subscription struct {
	root       string
	handlers   Handlers
	pairWindow time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewSubscription prepares a subscription for root. Start must be called
// before any events are delivered.
func NewSubscription(root string, handlers Handlers) (*Subscription, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Subscription{
		root:       abs,
		handlers:   handlers,
		pairWindow: DefaultRenamePairWindow,
		watcher:    watcher,
		done:       make(chan struct{}),
	}, nil
}

// Root returns the absolute watched root.
func (s *Subscription) Root() string {
	return s.root
}

// Start registers watches for the root and every existing subdirectory,
// then begins dispatching events.
func (s *Subscription) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("subscription for %s already running", s.root)
	}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", s.root, err)
	}
	s.running = true
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop closes the underlying watcher and waits for the dispatch goroutine
// to finish. Events arriving after Stop are not delivered. Safe to call
// on a subscription that never started.
func (s *Subscription) Stop() error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		close(s.done)
	}
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

type pendingRename struct {
	path     string
	deadline time.Time
}

func (s *Subscription) loop() {
	defer s.wg.Done()

	var pending []pendingRename
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if len(pending) > 0 {
			timer.Reset(time.Until(pending[0].deadline))
		}
	}

	flushExpired := func(now time.Time) {
		for len(pending) > 0 && !pending[0].deadline.After(now) {
			expired := pending[0]
			pending = pending[1:]
			s.emitDelete(expired.path)
		}
	}

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			pending = s.handleEvent(event, pending)
			resetTimer()

		case <-timer.C:
			flushExpired(time.Now())
			resetTimer()

		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// handleEvent translates one fsnotify event. Renames are held until the
// next create arrives: the kernel reports a move as a rename of the old
// path followed by a create of the new one, in order, so FIFO pairing
// reconstructs the move.
func (s *Subscription) handleEvent(event fsnotify.Event, pending []pendingRename) []pendingRename {
	switch {
	case event.Has(fsnotify.Create):
		if s.trackNewDirectory(event.Name) {
			return pending
		}
		if len(pending) > 0 {
			src := pending[0]
			pending = pending[1:]
			s.emitMove(src.path, event.Name)
			return pending
		}
		s.emitCreate(event.Name)
		return pending

	case event.Has(fsnotify.Rename):
		return append(pending, pendingRename{
			path:     event.Name,
			deadline: time.Now().Add(s.pairWindow),
		})

	case event.Has(fsnotify.Remove):
		s.emitDelete(event.Name)
		return pending

	default:
		// Write and chmod activity does not change the manifest.
		return pending
	}
}

// trackNewDirectory adds a watch for a newly created directory and emits
// creates for files that landed inside it before the watch existed.
// Returns true when the created path was a directory.
func (s *Subscription) trackNewDirectory(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_ = filepath.WalkDir(path, func(child string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			_ = s.watcher.Add(child)
			return nil
		}
		if d.Type().IsRegular() {
			s.emitCreate(child)
		}
		return nil
	})
	return true
}

func (s *Subscription) emitCreate(path string) {
	if s.handlers.OnCreate != nil {
		s.handlers.OnCreate(path)
	}
}

func (s *Subscription) emitDelete(path string) {
	if s.handlers.OnDelete != nil {
		s.handlers.OnDelete(path)
	}
}

func (s *Subscription) emitMove(src, dest string) {
	if s.handlers.OnMove != nil {
		s.handlers.OnMove(src, dest)
	}
}
