package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/media"
)

// PromptCache resolves audio prompt ids to loaded G.711 payloads. Files
// are read once and kept for the life of the engine; campaign audio sets
// are small and pre-encoded.
type PromptCache struct {
	repo   database.AudioPromptRepository
	logger *slog.Logger

	mu    sync.Mutex
	cache map[int64]*media.Prompt
}

// NewPromptCache creates a cache over the audio prompt repository.
func NewPromptCache(repo database.AudioPromptRepository, logger *slog.Logger) *PromptCache {
	return &PromptCache{
		repo:   repo,
		logger: logger.With("subsystem", "prompts"),
		cache:  make(map[int64]*media.Prompt),
	}
}

// Get returns the loaded prompt for an audio id, reading it from disk on
// first use.
func (c *PromptCache) Get(ctx context.Context, audioID int64) (*media.Prompt, error) {
	c.mu.Lock()
	if p, ok := c.cache[audioID]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	row, err := c.repo.GetByID(ctx, audioID)
	if err != nil {
		return nil, fmt.Errorf("loading audio prompt %d: %w", audioID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("audio prompt %d not found", audioID)
	}

	prompt, err := media.LoadPromptFile(row.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading audio prompt %d from %s: %w", audioID, row.FilePath, err)
	}

	c.mu.Lock()
	c.cache[audioID] = prompt
	c.mu.Unlock()

	c.logger.Debug("prompt loaded",
		"audio_id", audioID,
		"path", row.FilePath,
		"duration", prompt.Duration().Round(time.Millisecond).String(),
	)
	return prompt, nil
}
