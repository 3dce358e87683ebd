package manifest

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
)

// Scan enumerates every regular file under root, returning absolute paths.
// A missing root scans as empty.
func Scan(root string) (map[string]bool, error) {
	paths := map[string]bool{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			return absErr
		}
		paths[abs] = true
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	return paths, nil
}

// Reconcile brings m in line with the files currently under root: entries
// whose recorded path is gone are removed, and unrecorded paths get fresh
// entries under the smallest free ID. New paths are applied in sorted
// order so allocation is deterministic. Returns the removed and added IDs.
func Reconcile(m Manifest, root string) (removed, added []string, err error) {
	current, err := Scan(root)
	if err != nil {
		return nil, nil, err
	}

	recorded := make(map[string]string, len(m))
	for id, entry := range m {
		recorded[entry.FullName] = id
	}

	for path, id := range recorded {
		if !current[path] {
			delete(m, id)
			removed = append(removed, id)
		}
	}

	fresh := make([]string, 0)
	for path := range current {
		if _, ok := recorded[path]; !ok {
			fresh = append(fresh, path)
		}
	}
	sort.Strings(fresh)
	for _, path := range fresh {
		id := NextID(m)
		m[id] = NewEntry(path, root)
		added = append(added, id)
	}

	sort.Strings(removed)
	return removed, added, nil
}
