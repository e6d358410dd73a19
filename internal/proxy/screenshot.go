package proxy

import (
	"os"
	"path/filepath"
)

// writeFile writes content to path, creating parent directories as
// needed.
func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}
