// pattern: Functional Core

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// readDoc loads a JSON document file into out and returns the fields the
// struct does not know about so they can be written back on save. A missing
// file returns (nil, nil) so callers can distinguish "never written".
func readDoc(path string, out any) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	// Anything not produced by marshaling the known struct is an unknown
	// field to preserve.
	known, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownKeys); err != nil {
		return nil, err
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if k == "version" {
			continue
		}
		if _, ok := knownKeys[k]; !ok {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		extra = map[string]json.RawMessage{}
	}
	return extra, nil
}

// writeDoc atomically persists doc plus preserved unknown fields and the
// top-level version field. Known fields always win over preserved ones.
func writeDoc(path string, doc any, extra map[string]json.RawMessage) error {
	known, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	merged := make(map[string]json.RawMessage)
	for k, v := range extra {
		merged[k] = v
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownKeys); err != nil {
		return err
	}
	for k, v := range knownKeys {
		merged[k] = v
	}
	version, _ := json.Marshal(fileVersion)
	merged["version"] = version

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	return atomicWrite(path, data)
}

// atomicWrite writes data to a temp file in the same directory and renames
// it over path, so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
