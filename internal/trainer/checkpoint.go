package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Checkpointer persists model state during training.
type Checkpointer interface {
	// SaveCurrent overwrites the latest-epoch checkpoint.
	SaveCurrent(epoch int, state map[string]any) error
	// SaveBest replaces any previous best checkpoint.
	SaveBest(epoch int, valLoss float64, state map[string]any) error
}

// FileCheckpointer writes JSON checkpoints into Dir.
type FileCheckpointer struct {
	Dir string
}

const (
	currentName = "cur_model.json"
	bestPrefix  = "best_model"
)

type checkpointFile struct {
	Epoch   int            `json:"epoch"`
	ValLoss *float64       `json:"val_loss,omitempty"`
	State   map[string]any `json:"state"`
}

// SaveCurrent implements Checkpointer.
func (c FileCheckpointer) SaveCurrent(epoch int, state map[string]any) error {
	return writeJSON(filepath.Join(c.Dir, currentName), checkpointFile{Epoch: epoch, State: state})
}

// SaveBest implements Checkpointer. The file is named after the loss, e.g.
// best_model_0.1234.json.
func (c FileCheckpointer) SaveBest(epoch int, valLoss float64, state map[string]any) error {
	old, err := filepath.Glob(filepath.Join(c.Dir, bestPrefix+"*"))
	if err != nil {
		return err
	}
	for _, f := range old {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove old checkpoint: %w", err)
		}
	}
	return writeJSON(filepath.Join(c.Dir, BestName(valLoss)), checkpointFile{Epoch: epoch, ValLoss: &valLoss, State: state})
}

// BestName is the file name of a best checkpoint with the given loss.
func BestName(valLoss float64) string {
	s := strconv.FormatFloat(valLoss, 'f', 6, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return bestPrefix + "_" + s + ".json"
}

// writeJSON writes through a temp file so readers never see a partial checkpoint.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// HyperString renders params as sorted key=value pairs joined by "_".
func HyperString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if params[k] == "" {
			continue
		}
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "_")
}

// ModelDir creates and returns base/mode/model/runID.
func ModelDir(base, mode, model, runID string) (string, error) {
	dir := filepath.Join(base, mode, model, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model dir: %w", err)
	}
	return dir, nil
}
