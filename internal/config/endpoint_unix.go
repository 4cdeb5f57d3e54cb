//go:build !windows

package config

import (
	"os"
	"path/filepath"
)

func defaultEndpoint() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "kmflow-agent.sock")
	}
	return filepath.Join(os.TempDir(), "kmflow-agent.sock")
}
