// Package config reads the static JSON configuration documents that tell
// the daemon where its destination files and data directory live. Every
// *.json file in the config directory is loaded under the file's stem, and
// a user directory may override individual keys.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const filesSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["processes", "dropbox", "data-dir"],
	"additionalProperties": {"type": "string", "minLength": 1}
}`

// Config is the merged view of the configuration documents.
type Config struct {
	// Files maps logical keys to absolute paths. Keys ending in "-dir"
	// name directories; everything else is a store destination file.
	Files map[string]string

	// Extra holds the remaining configuration documents verbatim, keyed
	// by document name.
	Extra map[string]json.RawMessage
}

// Load reads configDir and applies overrides from userDir (which may be
// empty or missing). The files document is validated before paths are
// expanded.
func Load(configDir, userDir string) (*Config, error) {
	documents, err := readDocuments(configDir)
	if err != nil {
		return nil, err
	}
	if userDir != "" {
		overrides, err := readDocuments(userDir)
		if err != nil {
			return nil, err
		}
		for name, doc := range overrides {
			merged, ok := documents[name]
			if !ok {
				documents[name] = doc
				continue
			}
			for key, value := range doc {
				merged[key] = value
			}
		}
	}

	filesDoc, ok := documents["files"]
	if !ok {
		return nil, fmt.Errorf("missing files configuration in %s", configDir)
	}
	if err := validateFiles(filesDoc); err != nil {
		return nil, err
	}

	files := make(map[string]string, len(filesDoc))
	for key, raw := range filesDoc {
		var path string
		if err := json.Unmarshal(raw, &path); err != nil {
			return nil, fmt.Errorf("files config key %q: %w", key, err)
		}
		expanded, err := expandPath(path)
		if err != nil {
			return nil, fmt.Errorf("files config key %q: %w", key, err)
		}
		files[key] = expanded
	}

	extra := make(map[string]json.RawMessage, len(documents))
	for name, doc := range documents {
		if name == "files" {
			continue
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		extra[name] = encoded
	}
	return &Config{Files: files, Extra: extra}, nil
}

func readDocuments(dir string) (map[string]map[string]json.RawMessage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	documents := map[string]map[string]json.RawMessage{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		documents[name] = doc
	}
	return documents, nil
}

func validateFiles(doc map[string]json.RawMessage) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return err
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(filesSchemaJSON))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("files.schema.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("files.schema.json")
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid files configuration: %w", err)
	}
	return nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}

// Destinations returns the store destination files: every files value
// whose key does not end in "-dir", deduplicated and sorted.
func (c *Config) Destinations() []string {
	seen := map[string]bool{}
	dests := make([]string, 0, len(c.Files))
	for key, path := range c.Files {
		if strings.HasSuffix(key, "-dir") || seen[path] {
			continue
		}
		seen[path] = true
		dests = append(dests, path)
	}
	sort.Strings(dests)
	return dests
}

// ProcessesFile returns the destination holding process records.
func (c *Config) ProcessesFile() string {
	return c.Files["processes"]
}

// DropboxFile returns the destination holding the dropbox manifest.
func (c *Config) DropboxFile() string {
	return c.Files["dropbox"]
}

// DataDir returns the root data directory.
func (c *Config) DataDir() string {
	return c.Files["data-dir"]
}
