package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
)

// Seed registers the extracted system prompts in the audio_prompts table
// so campaigns and flows can reference them by id. Prompts already
// present (by name) are left untouched.
func Seed(ctx context.Context, repo database.AudioPromptRepository, dataDir string) error {
	existing, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing audio prompts: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.Name] = true
	}

	for _, filename := range SystemPrompts {
		name := strings.TrimSuffix(filename, filepath.Ext(filename))
		if known[name] {
			continue
		}

		path := filepath.Join(SystemDir(dataDir), filename)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat system prompt %s: %w", filename, err)
		}

		p := &models.AudioPrompt{
			Name:     name,
			Filename: filename,
			Format:   "ulaw",
			FileSize: info.Size(),
			FilePath: path,
		}
		if err := repo.Create(ctx, p); err != nil {
			return fmt.Errorf("registering system prompt %s: %w", filename, err)
		}
		slog.Info("registered system prompt", "name", name, "audio_id", p.ID)
	}
	return nil
}
