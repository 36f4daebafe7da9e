package prompts

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// SystemDir returns the path to the system prompts directory.
func SystemDir(dataDir string) string {
	return filepath.Join(dataDir, "prompts", "system")
}

// UploadDir returns the path to the campaign-uploaded prompts directory.
func UploadDir(dataDir string) string {
	return filepath.Join(dataDir, "prompts", "uploads")
}

// ExtractToDataDir copies the embedded system prompts to the data
// directory so the media player can stream them and flow nodes can
// reference them. Files that already exist on disk are skipped,
// preserving any replacements the operator installed.
//
// It also creates the uploads directory so campaign audio can land there
// without on-demand creation.
func ExtractToDataDir(dataDir string) error {
	sysDir := SystemDir(dataDir)
	if err := os.MkdirAll(sysDir, 0750); err != nil {
		return fmt.Errorf("creating system prompts directory: %w", err)
	}

	upDir := UploadDir(dataDir)
	if err := os.MkdirAll(upDir, 0750); err != nil {
		return fmt.Errorf("creating uploads directory: %w", err)
	}

	for _, name := range SystemPrompts {
		dest := filepath.Join(sysDir, name)

		if _, err := os.Stat(dest); err == nil {
			slog.Debug("system prompt already exists, skipping", "file", name)
			continue
		}

		data, err := fs.ReadFile(SystemFS, filepath.Join("system", name))
		if err != nil {
			return fmt.Errorf("reading embedded prompt %s: %w", name, err)
		}

		if err := os.WriteFile(dest, data, 0640); err != nil {
			return fmt.Errorf("writing prompt %s: %w", name, err)
		}

		slog.Info("extracted system prompt", "file", name, "path", dest)
	}

	return nil
}
