package manifest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Entry records one tracked file. Entries are replaced wholesale on update;
// fields are never mutated individually.
type Entry struct {
	FullName    string `json:"fullname"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

// UnmarshalJSON accepts the legacy on-disk form, where an entry was stored
// as a bare path string. Legacy entries carry only FullName until
// MigrateManifest upgrades them.
func (e *Entry) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var path string
		if err := json.Unmarshal(data, &path); err != nil {
			return err
		}
		*e = Entry{FullName: path}
		return nil
	}
	type alias Entry
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Entry(a)
	return nil
}

func (e Entry) legacy() bool {
	return e.DisplayName == "" && e.Description == ""
}

// Manifest maps string file IDs to entries within a single root.
type Manifest map[string]Entry

// NewEntry builds the canonical entry for path under root.
func NewEntry(path, root string) Entry {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	if resolved, err := filepath.Abs(abs); err == nil {
		abs = resolved
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		rel = filepath.Base(abs)
	}
	return Entry{
		FullName:    abs,
		DisplayName: rel,
		Description: Describe(Suffix(abs)),
	}
}

// MigrateManifest upgrades legacy bare-path entries in place, preserving
// their IDs. It returns the number of entries rewritten.
func MigrateManifest(m Manifest, root string) int {
	migrated := 0
	for id, entry := range m {
		if !entry.legacy() {
			continue
		}
		m[id] = NewEntry(entry.FullName, root)
		migrated++
	}
	return migrated
}

// NextID returns the decimal string of the smallest non-negative integer
// not present as a key in m. Freed IDs are reused.
func NextID(m Manifest) string {
	for n := 0; ; n++ {
		id := strconv.Itoa(n)
		if _, ok := m[id]; !ok {
			return id
		}
	}
}

// Suffix returns everything after the first dot of the base name, so
// "sample.chop.tsv" yields "chop.tsv" and "README" yields "".
func Suffix(name string) string {
	parts := strings.SplitN(filepath.Base(name), ".", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

var descriptions = map[string]string{
	"json":                  "Metadata regarding a specific pipeline run",
	"chop.tsv":              "Processed and filtered data, with peptide cleavage data added",
	"combined.parsed.tsv":   "Processed data with no filtering or extra data",
	"filtered.binding.tsv":  "Processed data filtered by binding strength",
	"filtered.coverage.tsv": "Processed data filtered by binding strength and coverage",
	"stab.tsv":              "Processed and filtered data, with peptide stability data added",
	"final.tsv":             "Final output data",
	"tsv":                   "Raw input data parsed out of the input vcf",
}

// Describe maps an extension suffix to a human-readable label.
func Describe(suffix string) string {
	if label, ok := descriptions[suffix]; ok {
		return label
	}
	return "Unknown File"
}

// DropboxTableName names the auxiliary table holding derived data for a
// dropbox file.
func DropboxTableName(fileID string) string {
	return "data_dropbox_" + fileID
}

// ProcessTableName names the auxiliary table for a process output file.
func ProcessTableName(processID int, fileID string) string {
	return fmt.Sprintf("data_%d_%s", processID, fileID)
}

// ProcessRecord describes one background process. Fields beyond output and
// files are carried through load/save untouched.
type ProcessRecord struct {
	Output string
	Files  Manifest

	extra map[string]json.RawMessage
}

func (r *ProcessRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["output"]; ok {
		if err := json.Unmarshal(raw, &r.Output); err != nil {
			return err
		}
		delete(fields, "output")
	}
	if raw, ok := fields["files"]; ok {
		files, err := decodeFiles(raw)
		if err != nil {
			return err
		}
		r.Files = files
		delete(fields, "files")
	}
	if r.Files == nil {
		r.Files = Manifest{}
	}
	r.extra = fields
	return nil
}

// decodeFiles accepts the current manifest form or the legacy list of
// paths, assigning synthesized IDs in list order.
func decodeFiles(raw json.RawMessage) (Manifest, error) {
	var files Manifest
	if err := json.Unmarshal(raw, &files); err == nil {
		return files, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("process files are neither a manifest nor a path list: %w", err)
	}
	files = make(Manifest, len(list))
	for i, path := range list {
		files[strconv.Itoa(i)] = Entry{FullName: path}
	}
	return files, nil
}

func (r ProcessRecord) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.extra)+2)
	for key, raw := range r.extra {
		fields[key] = raw
	}
	output, err := json.Marshal(r.Output)
	if err != nil {
		return nil, err
	}
	fields["output"] = output
	files := r.Files
	if files == nil {
		files = Manifest{}
	}
	encoded, err := json.Marshal(map[string]Entry(files))
	if err != nil {
		return nil, err
	}
	fields["files"] = encoded
	return json.Marshal(fields)
}

// ProcessKey is the store key for process index id.
func ProcessKey(id int) string {
	return fmt.Sprintf("process-%d", id)
}
