package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeTables struct {
	mu       sync.Mutex
	existing map[string]bool
	dropped  []string
	closed   bool
}

func newFakeTables(existing ...string) *fakeTables {
	tables := &fakeTables{existing: map[string]bool{}}
	for _, name := range existing {
		tables.existing[name] = true
	}
	return tables
}

func (f *fakeTables) TableExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[name], nil
}

func (f *fakeTables) DropTable(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.existing, name)
	f.dropped = append(f.dropped, name)
	return nil
}

func (f *fakeTables) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTables) droppedTables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}

type testEnv struct {
	svc       *Service
	tables    *fakeTables
	dataDir   string
	processes string
	dropbox   string
}

func newTestEnv(t *testing.T, tables *fakeTables) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		tables:    tables,
		dataDir:   filepath.Join(dir, "data"),
		processes: filepath.Join(dir, "state", "processes.json"),
		dropbox:   filepath.Join(dir, "state", "dropbox.json"),
	}
	svc, err := NewService(ServiceOptions{
		ProcessesFile:   env.processes,
		DropboxFile:     env.dropbox,
		DataDir:         env.dataDir,
		Tables:          tables,
		DisableWatchers: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.svc = svc
	return env
}

func (e *testEnv) seedProcesses(t *testing.T, payload any) {
	t.Helper()
	data, err := json.MarshalIndent(payload, "", "\t")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(e.processes), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.processes, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) load(t *testing.T) *Store {
	t.Helper()
	store, err := e.svc.Loader()
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestInitCreatesDefaultsAndDirectories(t *testing.T) {
	env := newTestEnv(t, newFakeTables())
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"input", "results", "archive", ".tmp"} {
		if _, err := os.Stat(filepath.Join(env.dataDir, sub)); err != nil {
			t.Fatalf("missing %s: %v", sub, err)
		}
	}

	store := env.load(t)
	if store.ProcessID() != 0 {
		t.Fatalf("processid = %d", store.ProcessID())
	}
	if store.Dropbox() == nil {
		t.Fatal("dropbox manifest missing")
	}
}

func TestInitReconcilesDropboxAgainstDisk(t *testing.T) {
	env := newTestEnv(t, newFakeTables())
	archive := filepath.Join(env.dataDir, "archive")
	writeFile(t, filepath.Join(archive, "one.tsv"))
	writeFile(t, filepath.Join(archive, "two.final.tsv"))

	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	dropbox := env.load(t).Dropbox()
	if len(dropbox) != 2 {
		t.Fatalf("dropbox = %v", dropbox)
	}
	var found bool
	for _, entry := range dropbox {
		if entry.DisplayName == "two.final.tsv" && entry.Description == Describe("final.tsv") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected described entry in %v", dropbox)
	}
}

func TestInitMigratesLegacyProcessFiles(t *testing.T) {
	env := newTestEnv(t, newFakeTables())
	outDir := filepath.Join(env.dataDir, "results", "proc0")
	outFile := filepath.Join(outDir, "run.final.tsv")
	writeFile(t, outFile)
	env.seedProcesses(t, map[string]any{
		"processid": 0,
		"process-0": map[string]any{
			"output": outDir,
			"files":  []string{outFile},
		},
	})

	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	record, ok := env.load(t).Process(0)
	if !ok {
		t.Fatal("process-0 missing after init")
	}
	entry, ok := record.Files["0"]
	if !ok {
		t.Fatalf("legacy list id lost: %v", record.Files)
	}
	if entry.DisplayName != "run.final.tsv" || entry.Description != Describe("final.tsv") {
		t.Fatalf("legacy entry not upgraded: %+v", entry)
	}
}

func TestDropboxCreateAssignsSmallestFreeID(t *testing.T) {
	env := newTestEnv(t, newFakeTables())
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(env.svc.DropboxRoot(), "sample.chop.tsv")
	env.svc.HandleDropboxCreate(path)

	dropbox := env.load(t).Dropbox()
	entry, ok := dropbox["0"]
	if !ok {
		t.Fatalf("dropbox = %v", dropbox)
	}
	if entry.FullName != path || entry.Description != Describe("chop.tsv") {
		t.Fatalf("entry = %+v", entry)
	}

	// Creating the same path again must not mint a second id.
	env.svc.HandleDropboxCreate(path)
	if got := len(env.load(t).Dropbox()); got != 1 {
		t.Fatalf("dropbox has %d entries after duplicate create", got)
	}
}

func TestDropboxDeleteDropsAuxTable(t *testing.T) {
	tables := newFakeTables("data_dropbox_0")
	env := newTestEnv(t, tables)
	archive := filepath.Join(env.dataDir, "archive")
	path := filepath.Join(archive, "gone.tsv")
	writeFile(t, path)
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	env.svc.HandleDropboxDelete(path)

	if got := len(env.load(t).Dropbox()); got != 0 {
		t.Fatalf("dropbox still has %d entries", got)
	}
	dropped := tables.droppedTables()
	if len(dropped) != 1 || dropped[0] != "data_dropbox_0" {
		t.Fatalf("dropped = %v", dropped)
	}

	// Deleting an unrecorded path is a no-op.
	env.svc.HandleDropboxDelete(filepath.Join(archive, "never.tsv"))
	if got := tables.droppedTables(); len(got) != 1 {
		t.Fatalf("dropped = %v", got)
	}
}

func TestDropboxMoveKeepsID(t *testing.T) {
	env := newTestEnv(t, newFakeTables())
	archive := filepath.Join(env.dataDir, "archive")
	src := filepath.Join(archive, "old.tsv")
	writeFile(t, src)
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(archive, "sub", "new.final.tsv")
	env.svc.HandleDropboxMove(src, dest)

	dropbox := env.load(t).Dropbox()
	entry, ok := dropbox["0"]
	if !ok {
		t.Fatalf("id not preserved: %v", dropbox)
	}
	if entry.FullName != dest {
		t.Fatalf("fullname = %q", entry.FullName)
	}
	if entry.DisplayName != filepath.Join("sub", "new.final.tsv") {
		t.Fatalf("display name = %q", entry.DisplayName)
	}
	if entry.Description != Describe("final.tsv") {
		t.Fatalf("description = %q", entry.Description)
	}
}

func TestResultsMoveWithinScopeKeepsID(t *testing.T) {
	env := newTestEnv(t, newFakeTables())
	outDir := filepath.Join(env.dataDir, "results", "proc0")
	src := filepath.Join(outDir, "x.tsv")
	env.seedProcesses(t, map[string]any{
		"processid": 0,
		"process-0": map[string]any{
			"output": outDir,
			"files": map[string]any{
				"2": map[string]string{
					"fullname":     src,
					"display_name": "x.tsv",
					"description":  Describe("tsv"),
				},
			},
		},
	})
	writeFile(t, src)
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(outDir, "y.tsv")
	env.svc.HandleResultsMove(src, dest)

	record, _ := env.load(t).Process(0)
	entry, ok := record.Files["2"]
	if !ok {
		t.Fatalf("id 2 not preserved: %v", record.Files)
	}
	if entry.FullName != dest || entry.DisplayName != "y.tsv" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestResultsMoveAcrossScopesMintsNewID(t *testing.T) {
	tables := newFakeTables("data_0_2")
	env := newTestEnv(t, tables)
	out0 := filepath.Join(env.dataDir, "results", "proc0")
	out1 := filepath.Join(env.dataDir, "results", "proc1")
	src := filepath.Join(out0, "x.tsv")
	env.seedProcesses(t, map[string]any{
		"processid": 1,
		"process-0": map[string]any{
			"output": out0,
			"files": map[string]any{
				"2": map[string]string{
					"fullname":     src,
					"display_name": "x.tsv",
					"description":  Describe("tsv"),
				},
			},
		},
		"process-1": map[string]any{
			"output": out1,
			"files":  map[string]any{},
		},
	})
	writeFile(t, src)
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(out1, "x.tsv")
	env.svc.HandleResultsMove(src, dest)

	store := env.load(t)
	record0, _ := store.Process(0)
	if len(record0.Files) != 0 {
		t.Fatalf("source scope still has %v", record0.Files)
	}
	record1, _ := store.Process(1)
	entry, ok := record1.Files["0"]
	if !ok {
		t.Fatalf("destination scope = %v", record1.Files)
	}
	if entry.FullName != dest {
		t.Fatalf("entry = %+v", entry)
	}
	dropped := tables.droppedTables()
	if len(dropped) != 1 || dropped[0] != "data_0_2" {
		t.Fatalf("dropped = %v", dropped)
	}
}

func TestResultsEventOutsideAnyScopeIgnored(t *testing.T) {
	env := newTestEnv(t, newFakeTables())
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	env.svc.HandleResultsCreate(filepath.Join(env.dataDir, "results", "stray.tsv"))

	store := env.load(t)
	if _, ok := store.Process(0); ok {
		t.Fatal("no process record should exist")
	}
}

func TestNotificationsPublishedAfterSave(t *testing.T) {
	env := newTestEnv(t, newFakeTables())
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	notes, cancel := env.svc.SubscribeNotifications(4)
	defer cancel()

	path := filepath.Join(env.svc.DropboxRoot(), "fresh.tsv")
	env.svc.HandleDropboxCreate(path)

	select {
	case note := <-notes:
		if note.Type != NotifyFileCreated || note.Scope != "dropbox" || note.FileID != "0" || note.Path != path {
			t.Fatalf("note = %+v", note)
		}
	default:
		t.Fatal("no notification published")
	}
}

func TestShutdownDropsFlaggedTablesAndClosesOnce(t *testing.T) {
	tables := newFakeTables()
	env := newTestEnv(t, tables)
	if err := env.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	env.svc.FlagTableForCleanup("data_dropbox_9")
	if err := env.svc.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	dropped := tables.droppedTables()
	if len(dropped) != 1 || dropped[0] != "data_dropbox_9" {
		t.Fatalf("dropped = %v", dropped)
	}
	if !tables.closed {
		t.Fatal("tables not closed")
	}
}

func TestRebootWarningOnChangedBootID(t *testing.T) {
	dir := t.TempDir()
	processes := filepath.Join(dir, "processes.json")
	dropbox := filepath.Join(dir, "dropbox.json")

	build := func(bootID string, logger Logger) *Service {
		svc, err := NewService(ServiceOptions{
			ProcessesFile:   processes,
			DropboxFile:     dropbox,
			DataDir:         filepath.Join(dir, "data"),
			Tables:          newFakeTables(),
			Logger:          logger,
			BootID:          bootID,
			DisableWatchers: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		return svc
	}

	if err := build("boot-1", nil).Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	logger := &recordingLogger{}
	if err := build("boot-2", logger).Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !logger.contains("reboot") {
		t.Fatalf("expected reboot warning in %v", logger.lines)
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
