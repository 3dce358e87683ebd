package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seqworks/manifestd/internal/watch"
)

// Tables is the auxiliary-database collaborator. DropTable must tolerate
// tables that do not exist.
type Tables interface {
	TableExists(ctx context.Context, name string) (bool, error)
	DropTable(ctx context.Context, name string) error
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

// Notification describes one manifest change, published to subscribers
// after the change has been persisted.
type Notification struct {
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	FileID    string `json:"fileId"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

const (
	NotifyFileCreated = "file.created"
	NotifyFileDeleted = "file.deleted"
	NotifyFileMoved   = "file.moved"
)

type ServiceOptions struct {
	ProcessesFile string
	DropboxFile   string
	DataDir       string
	Tables        Tables
	Logger        Logger
	// BootID marks the current boot; when it differs from the stored
	// marker a reboot warning is logged. Empty disables the check.
	BootID string
	// DisableWatchers skips installing filesystem subscriptions; handlers
	// remain callable directly.
	DisableWatchers bool
}

// Service owns the manifest lifecycle: startup reconciliation, live event
// handling, and shutdown.
type Service struct {
	opts         ServiceOptions
	destinations []string
	dropboxRoot  string
	resultsRoot  string

	// One lock per watched root serializes the reload-mutate-save cycle
	// so concurrent event bursts cannot drop each other's writes.
	dropboxMu sync.Mutex
	resultsMu sync.Mutex

	subs []*watch.Subscription

	cleanupMu     sync.Mutex
	cleanupTables []string

	notifyMu    sync.Mutex
	subscribers map[chan Notification]struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.ProcessesFile == "" || opts.DropboxFile == "" {
		return nil, fmt.Errorf("processes and dropbox destination files are required")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	destinations := []string{opts.ProcessesFile}
	if opts.DropboxFile != opts.ProcessesFile {
		destinations = append(destinations, opts.DropboxFile)
	}
	return &Service{
		opts:         opts,
		destinations: destinations,
		dropboxRoot:  filepath.Join(opts.DataDir, "archive"),
		resultsRoot:  filepath.Join(opts.DataDir, "results"),
		subscribers:  map[chan Notification]struct{}{},
	}, nil
}

// Init loads the store, reconciles every root against disk, persists the
// result, and installs the filesystem subscriptions.
func (s *Service) Init(ctx context.Context) error {
	store, err := LoadStore(s.destinations)
	if err != nil {
		return err
	}
	if !store.Has("processid") {
		store.AddKey("processid", 0, s.opts.ProcessesFile)
	}
	if !store.Has("dropbox") {
		store.AddKey("dropbox", Manifest{}, s.opts.DropboxFile)
	}

	if s.opts.BootID != "" {
		if previous, ok := store.Reboot(); ok && previous != s.opts.BootID {
			s.logf("a reboot has occurred since the last run; pids of runs with id %d and lower may be stale", store.ProcessID())
		}
		store.AddKey("reboot", s.opts.BootID, s.opts.ProcessesFile)
	}

	for _, sub := range []string{"input", "results", "archive", ".tmp"} {
		if err := os.MkdirAll(filepath.Join(s.opts.DataDir, sub), 0o755); err != nil {
			return err
		}
	}

	dropbox := store.Dropbox()
	if migrated := MigrateManifest(dropbox, s.dropboxRoot); migrated > 0 {
		s.logf("migrated %d dropbox entries to the current format", migrated)
	}
	removed, added, err := Reconcile(dropbox, s.dropboxRoot)
	if err != nil {
		return fmt.Errorf("reconcile dropbox: %w", err)
	}
	s.logReconcile("dropbox", removed, added)

	for id := 0; id <= store.ProcessID(); id++ {
		record, ok := store.Process(id)
		if !ok {
			continue
		}
		if migrated := MigrateManifest(record.Files, record.Output); migrated > 0 {
			s.logf("migrated file manifest of process %d to the current format", id)
		}
		removed, added, err := Reconcile(record.Files, record.Output)
		if err != nil {
			return fmt.Errorf("reconcile process %d: %w", id, err)
		}
		s.logReconcile(ProcessKey(id), removed, added)
	}

	if err := store.Save(); err != nil {
		return err
	}

	if s.opts.DisableWatchers {
		return nil
	}
	return s.installWatchers()
}

func (s *Service) installWatchers() error {
	dropboxSub, err := watch.NewSubscription(s.dropboxRoot, watch.Handlers{
		OnCreate: s.HandleDropboxCreate,
		OnDelete: s.HandleDropboxDelete,
		OnMove:   s.HandleDropboxMove,
	})
	if err != nil {
		return err
	}
	resultsSub, err := watch.NewSubscription(s.resultsRoot, watch.Handlers{
		OnCreate: s.HandleResultsCreate,
		OnDelete: s.HandleResultsDelete,
		OnMove:   s.HandleResultsMove,
	})
	if err != nil {
		_ = dropboxSub.Stop()
		return err
	}
	if err := dropboxSub.Start(); err != nil {
		_ = dropboxSub.Stop()
		_ = resultsSub.Stop()
		return err
	}
	if err := resultsSub.Start(); err != nil {
		_ = dropboxSub.Stop()
		_ = resultsSub.Stop()
		return err
	}
	s.subs = []*watch.Subscription{dropboxSub, resultsSub}
	return nil
}

// Shutdown stops the subscriptions, drops tables flagged for cleanup, and
// closes the database collaborator. It runs at most once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		for _, sub := range s.subs {
			if err := sub.Stop(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}

		s.cleanupMu.Lock()
		flagged := append([]string(nil), s.cleanupTables...)
		s.cleanupTables = nil
		s.cleanupMu.Unlock()
		if s.opts.Tables != nil {
			for _, table := range flagged {
				if err := s.opts.Tables.DropTable(ctx, table); err != nil {
					s.logf("drop table %s at shutdown: %v", table, err)
				}
			}
			if err := s.opts.Tables.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}

		s.notifyMu.Lock()
		for ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = map[chan Notification]struct{}{}
		s.notifyMu.Unlock()
	})
	return s.closeErr
}

// FlagTableForCleanup schedules a table drop for shutdown.
func (s *Service) FlagTableForCleanup(name string) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.cleanupTables = append(s.cleanupTables, name)
}

// Loader returns a fresh store read from disk.
func (s *Service) Loader() (*Store, error) {
	return LoadStore(s.destinations)
}

// DropboxRoot returns the watched dropbox archive directory.
func (s *Service) DropboxRoot() string {
	return s.dropboxRoot
}

// ResultsRoot returns the watched results directory.
func (s *Service) ResultsRoot() string {
	return s.resultsRoot
}

// HandleDropboxCreate records a file that appeared under the dropbox root.
func (s *Service) HandleDropboxCreate(path string) {
	s.dropboxMu.Lock()
	defer s.dropboxMu.Unlock()
	s.dropboxCreate(path)
}

// HandleDropboxDelete removes the dropbox entry for path and drops its
// auxiliary table if one exists.
func (s *Service) HandleDropboxDelete(path string) {
	s.dropboxMu.Lock()
	defer s.dropboxMu.Unlock()
	s.dropboxDelete(path)
}

// HandleDropboxMove rewrites the entry for a rename within the dropbox
// root, keeping its ID.
func (s *Service) HandleDropboxMove(src, dest string) {
	s.dropboxMu.Lock()
	defer s.dropboxMu.Unlock()

	store, err := s.Loader()
	if err != nil {
		s.logf("dropbox move %s: %v", src, err)
		return
	}
	dropbox := store.Dropbox()
	for id, entry := range dropbox {
		if entry.FullName != src {
			continue
		}
		dropbox[id] = NewEntry(dest, s.dropboxRoot)
		if err := store.Save(); err != nil {
			s.logf("dropbox move %s: %v", src, err)
			return
		}
		s.logf("moving file %s (%s -> %s)", id, src, dest)
		s.publish(NotifyFileMoved, "dropbox", id, dest)
		return
	}
	s.logf("dropbox move for unrecorded path %s ignored", src)
}

func (s *Service) dropboxCreate(path string) {
	store, err := s.Loader()
	if err != nil {
		s.logf("dropbox create %s: %v", path, err)
		return
	}
	dropbox := store.Dropbox()
	for _, entry := range dropbox {
		if entry.FullName == path {
			return
		}
	}
	id := NextID(dropbox)
	dropbox[id] = NewEntry(path, s.dropboxRoot)
	if err := store.Save(); err != nil {
		s.logf("dropbox create %s: %v", path, err)
		return
	}
	s.logf("assigning file %s -> %s", id, path)
	s.publish(NotifyFileCreated, "dropbox", id, path)
}

func (s *Service) dropboxDelete(path string) {
	store, err := s.Loader()
	if err != nil {
		s.logf("dropbox delete %s: %v", path, err)
		return
	}
	dropbox := store.Dropbox()
	for id, entry := range dropbox {
		if entry.FullName != path {
			continue
		}
		delete(dropbox, id)
		s.dropAuxTable(DropboxTableName(id))
		if err := store.Save(); err != nil {
			s.logf("dropbox delete %s: %v", path, err)
			return
		}
		s.logf("deleting file %s -> %s", id, path)
		s.publish(NotifyFileDeleted, "dropbox", id, path)
		return
	}
}

// HandleResultsCreate records a new output file in the manifest of the
// process whose output directory contains it.
func (s *Service) HandleResultsCreate(path string) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	s.resultsCreate(path)
}

// HandleResultsDelete removes the matching output entry and drops its
// auxiliary table.
func (s *Service) HandleResultsDelete(path string) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	s.resultsDelete(path)
}

// HandleResultsMove rewrites the entry in place for a rename within one
// process's output, or composes delete-then-create when the rename
// crosses process scopes (the file receives a new ID).
func (s *Service) HandleResultsMove(src, dest string) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	store, err := s.Loader()
	if err != nil {
		s.logf("results move %s: %v", src, err)
		return
	}
	srcID, srcOK := findProcessScope(store, src)
	destID, destOK := findProcessScope(store, dest)
	if !srcOK && !destOK {
		s.logf("results move outside any process output ignored: %s -> %s", src, dest)
		return
	}

	if srcOK && destOK && srcID == destID {
		record, _ := store.Process(srcID)
		for id, entry := range record.Files {
			if entry.FullName != src {
				continue
			}
			record.Files[id] = NewEntry(dest, record.Output)
			if err := store.Save(); err != nil {
				s.logf("results move %s: %v", src, err)
				return
			}
			s.logf("moving file %s (%s -> %s)", id, src, dest)
			s.publish(NotifyFileMoved, ProcessKey(srcID), id, dest)
			return
		}
		s.logf("results move for unrecorded path %s ignored", src)
		return
	}

	// Crossing scopes behaves as delete then create: the old entry and
	// its auxiliary table go away and the destination scope mints a new ID.
	s.resultsDelete(src)
	s.resultsCreate(dest)
}

func (s *Service) resultsCreate(path string) {
	store, err := s.Loader()
	if err != nil {
		s.logf("results create %s: %v", path, err)
		return
	}
	processID, ok := findProcessScope(store, path)
	if !ok {
		s.logf("results create outside any process output ignored: %s", path)
		return
	}
	record, _ := store.Process(processID)
	for _, entry := range record.Files {
		if entry.FullName == path {
			return
		}
	}
	id := NextID(record.Files)
	record.Files[id] = NewEntry(path, record.Output)
	if err := store.Save(); err != nil {
		s.logf("results create %s: %v", path, err)
		return
	}
	s.logf("new output from process %d: assigning %s -> %s", processID, id, path)
	s.publish(NotifyFileCreated, ProcessKey(processID), id, path)
}

func (s *Service) resultsDelete(path string) {
	store, err := s.Loader()
	if err != nil {
		s.logf("results delete %s: %v", path, err)
		return
	}
	processID, ok := findProcessScope(store, path)
	if !ok {
		s.logf("results delete outside any process output ignored: %s", path)
		return
	}
	record, _ := store.Process(processID)
	ids := make([]string, 0, len(record.Files))
	for id := range record.Files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var deleted []string
	for _, id := range ids {
		if record.Files[id].FullName != path {
			continue
		}
		delete(record.Files, id)
		s.dropAuxTable(ProcessTableName(processID, id))
		deleted = append(deleted, id)
	}
	if len(deleted) == 0 {
		return
	}
	if err := store.Save(); err != nil {
		s.logf("results delete %s: %v", path, err)
		return
	}
	for _, id := range deleted {
		s.logf("deleted file %s -> %s", id, path)
		s.publish(NotifyFileDeleted, ProcessKey(processID), id, path)
	}
}

// findProcessScope returns the process whose output directory contains
// path, comparing path components rather than raw string prefixes.
func findProcessScope(store *Store, path string) (int, bool) {
	for id := 0; id <= store.ProcessID(); id++ {
		record, ok := store.Process(id)
		if !ok || record.Output == "" {
			continue
		}
		if underRoot(record.Output, path) {
			return id, true
		}
	}
	return 0, false
}

func underRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Service) dropAuxTable(name string) {
	if s.opts.Tables == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := s.opts.Tables.TableExists(ctx, name)
	if err != nil {
		s.logf("check table %s: %v", name, err)
		return
	}
	if !exists {
		return
	}
	if err := s.opts.Tables.DropTable(ctx, name); err != nil {
		s.logf("drop table %s: %v", name, err)
	}
}

// SubscribeNotifications registers a notification channel. The returned
// cancel function must be called when the subscriber is done; slow
// subscribers miss notifications rather than blocking handlers.
func (s *Service) SubscribeNotifications(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)
	s.notifyMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.notifyMu.Unlock()

	cancel := func() {
		s.notifyMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.notifyMu.Unlock()
	}
	return ch, cancel
}

func (s *Service) publish(kind, scope, fileID, path string) {
	note := Notification{
		Type:      kind,
		Scope:     scope,
		FileID:    fileID,
		Path:      path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- note:
		default:
		}
	}
}

func (s *Service) logReconcile(scope string, removed, added []string) {
	for _, id := range removed {
		s.logf("deleting file %s from %s manifest", id, scope)
	}
	for _, id := range added {
		s.logf("assigning file %s in %s manifest", id, scope)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.opts.Logger == nil {
		return
	}
	s.opts.Logger.Printf(format, args...)
}
