package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// DefaultCheckpointPath is where a backfill records its progress.
const DefaultCheckpointPath = "backfill_checkpoint.json"

// Checkpoint marks the last date a backfill completed, so an interrupted
// backfill resumes on the next day instead of rewriting finished partitions.
type Checkpoint struct {
	LastSuccessfulDate string    `json:"last_successful_date"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LoadCheckpoint reads a checkpoint; a missing file returns ok=false.
func LoadCheckpoint(path string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp, cp.LastSuccessfulDate != "", nil
}

// SaveCheckpoint writes the checkpoint through a temp file rename.
func SaveCheckpoint(path string, cp Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
