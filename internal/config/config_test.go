package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDoc(t *testing.T, dir, name, payload string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadExpandsPathsAndListsDestinations(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	writeDoc(t, configDir, "files.json", `{
		"processes": "state/processes.json",
		"dropbox": "state/dropbox.json",
		"data-dir": "data"
	}`)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configDir, "")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(cfg.ProcessesFile()) {
		t.Fatalf("processes path not absolute: %q", cfg.ProcessesFile())
	}
	if cfg.ProcessesFile() != filepath.Join(cwd, "state", "processes.json") {
		t.Fatalf("processes = %q", cfg.ProcessesFile())
	}

	dests := cfg.Destinations()
	if len(dests) != 2 {
		t.Fatalf("destinations = %v", dests)
	}
	for _, dest := range dests {
		if strings.HasSuffix(dest, "data") {
			t.Fatalf("data-dir should not be a destination: %v", dests)
		}
	}
}

func TestLoadAppliesUserOverrides(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	userDir := filepath.Join(dir, "user")
	writeDoc(t, configDir, "files.json", `{
		"processes": "/srv/state/processes.json",
		"dropbox": "/srv/state/dropbox.json",
		"data-dir": "/srv/data"
	}`)
	writeDoc(t, userDir, "files.json", `{"data-dir": "/home/user/data"}`)

	cfg, err := Load(configDir, userDir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir() != "/home/user/data" {
		t.Fatalf("data-dir = %q", cfg.DataDir())
	}
	if cfg.ProcessesFile() != "/srv/state/processes.json" {
		t.Fatalf("processes = %q", cfg.ProcessesFile())
	}
}

func TestLoadMissingUserDirIsFine(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	writeDoc(t, configDir, "files.json", `{
		"processes": "/srv/a.json",
		"dropbox": "/srv/b.json",
		"data-dir": "/srv/data"
	}`)

	if _, err := Load(configDir, filepath.Join(dir, "no-such-dir")); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRejectsIncompleteFilesDocument(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	writeDoc(t, configDir, "files.json", `{"processes": "/srv/a.json"}`)

	_, err := Load(configDir, "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "invalid files configuration") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsNonStringValues(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	writeDoc(t, configDir, "files.json", `{
		"processes": "/srv/a.json",
		"dropbox": "/srv/b.json",
		"data-dir": 42
	}`)

	if _, err := Load(configDir, ""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadKeepsExtraDocuments(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	writeDoc(t, configDir, "files.json", `{
		"processes": "/srv/a.json",
		"dropbox": "/srv/b.json",
		"data-dir": "/srv/data"
	}`)
	writeDoc(t, configDir, "schema.json", `{"gene": "TEXT"}`)

	cfg, err := Load(configDir, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.Extra["schema"]; !ok {
		t.Fatalf("extra documents = %v", cfg.Extra)
	}
}
