package util

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ResolvePath interprets rel against base, unless rel is already absolute, in
// which case base is ignored. filepath.Join alone would fold an absolute
// second argument under the base, which is never what a config author writing
// an absolute path means.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// WriteJSONFile renders v as indented JSON and writes it to path, making any
// missing parent directories along the way.
func WriteJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
