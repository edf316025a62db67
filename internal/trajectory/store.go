// Package trajectory persists completed-round data at session end. A record
// holds the originating parameters plus parallel per-episode arrays of
// states, joint actions, and rewards, matching the document shape the demo's
// analysis tooling consumes.
package trajectory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Episode is one round's worth of transitions. The three slices are parallel:
// States[i] is the snapshot consumed by JointActions[i], which produced
// Rewards[i].
type Episode struct {
	Round        int               `json:"round"`
	States       []json.RawMessage `json:"states"`
	JointActions [][]string        `json:"joint_actions"`
	Rewards      []float64         `json:"rewards"`
}

// Record is the full document written for one session.
type Record struct {
	SessionID  string         `json:"session_id"`
	GameName   string         `json:"game_name"`
	StartedAt  time.Time      `json:"started_at"`
	Params     map[string]any `json:"params,omitempty"`
	FinalScore float64        `json:"final_score"`
	Episodes   []Episode      `json:"episodes"`
}

// Key derives the document identity from start time and game type.
func (r Record) Key() string {
	return fmt.Sprintf("%d_%s", r.StartedAt.Unix(), r.SessionID)
}

// Store is the persistence collaborator invoked at round end. Implementations
// must be safe for concurrent use; failures are the caller's to log, never to
// escalate.
type Store interface {
	Save(ctx context.Context, rec Record) error
}

// Nop discards records.
type Nop struct{}

func (Nop) Save(context.Context, Record) error { return nil }

// FileStore writes each record as a JSON document under dir/<game_name>/.
type FileStore struct {
	dir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trajectory: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the record to <dir>/<game_name>/<startUnix>_<sessionID>.json.
func (fs *FileStore) Save(_ context.Context, rec Record) error {
	gameDir := filepath.Join(fs.dir, rec.GameName)
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		return fmt.Errorf("trajectory: create game dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("trajectory: marshal record: %w", err)
	}
	path := filepath.Join(gameDir, rec.Key()+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("trajectory: write %s: %w", path, err)
	}
	return nil
}
