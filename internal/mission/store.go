// Package mission persists MissionState as flat JSON checkpoints, one
// directory per mission. Checkpoints are the sole source of truth at resume
// time, so writes follow a write-new-then-swap discipline: a torn write can
// never damage the previously durable record.
package mission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mitchellfyi/launchonomy/internal/domain"
)

const (
	checkpointFile = "checkpoint.json"
	prevFile       = "checkpoint.json.prev"
	tmpFile        = "checkpoint.json.tmp"
	corruptFile    = "checkpoint.json.corrupt"
	stopFile       = "stop.requested"
	archiveDirName = "archive"
)

// ErrNotFound means no checkpoint exists for the mission id.
var ErrNotFound = errors.New("mission not found")

// ErrCorrupt means neither the current checkpoint nor its predecessor could
// be read. The mission must not be silently resumed from a zeroed state.
var ErrCorrupt = errors.New("checkpoint corrupt beyond repair")

// Store reads and writes mission checkpoints under a missions root dir.
type Store struct {
	Root string
	Log  zerolog.Logger
}

func NewStore(root string, log zerolog.Logger) *Store {
	return &Store{Root: root, Log: log}
}

func (s *Store) dir(missionID string) string {
	return filepath.Join(s.Root, missionID)
}

// Save checkpoints the state atomically. The current checkpoint is rotated
// to .prev before the swap so one prior generation always survives.
func (s *Store) Save(state domain.MissionState) error {
	dir := s.dir(state.MissionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint %s: %w", state.MissionID, err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", state.MissionID, err)
	}
	tmp := filepath.Join(dir, tmpFile)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint %s: %w", state.MissionID, err)
	}
	current := filepath.Join(dir, checkpointFile)
	if _, err := os.Stat(current); err == nil {
		if err := os.Rename(current, filepath.Join(dir, prevFile)); err != nil {
			return fmt.Errorf("checkpoint %s: rotate: %w", state.MissionID, err)
		}
	}
	if err := os.Rename(tmp, current); err != nil {
		return fmt.Errorf("checkpoint %s: swap: %w", state.MissionID, err)
	}
	return nil
}

// Load reconstructs MissionState from the last durable checkpoint. If the
// current checkpoint is unreadable it falls back to the rotated predecessor,
// moving the bad file aside for inspection; repaired reports whether that
// happened so the caller can audit the discard.
func (s *Store) Load(missionID string) (state domain.MissionState, repaired bool, err error) {
	dir := s.dir(missionID)
	if _, serr := os.Stat(dir); serr != nil {
		return domain.MissionState{}, false, fmt.Errorf("%w: %s", ErrNotFound, missionID)
	}

	current := filepath.Join(dir, checkpointFile)
	state, cerr := readCheckpoint(current)
	if cerr == nil {
		return state, false, nil
	}

	s.Log.Warn().Str("mission_id", missionID).Err(cerr).Msg("checkpoint unreadable, trying predecessor")
	prev := filepath.Join(dir, prevFile)
	state, perr := readCheckpoint(prev)
	if perr != nil {
		return domain.MissionState{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, missionID, cerr)
	}
	// Keep the damaged file for inspection, then restore the good
	// generation as current.
	if _, serr := os.Stat(current); serr == nil {
		if rerr := os.Rename(current, filepath.Join(dir, corruptFile)); rerr != nil {
			return domain.MissionState{}, false, fmt.Errorf("repair %s: %w", missionID, rerr)
		}
	}
	data, _ := json.MarshalIndent(state, "", "  ")
	tmp := filepath.Join(dir, tmpFile)
	if werr := os.WriteFile(tmp, data, 0o644); werr != nil {
		return domain.MissionState{}, false, fmt.Errorf("repair %s: %w", missionID, werr)
	}
	if rerr := os.Rename(tmp, current); rerr != nil {
		return domain.MissionState{}, false, fmt.Errorf("repair %s: %w", missionID, rerr)
	}
	return state, true, nil
}

func readCheckpoint(path string) (domain.MissionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.MissionState{}, err
	}
	var state domain.MissionState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.MissionState{}, err
	}
	if state.MissionID == "" {
		return domain.MissionState{}, errors.New("checkpoint has no mission id")
	}
	return state, nil
}

// List returns the states of all non-archived missions, skipping directories
// whose checkpoints cannot be read.
func (s *Store) List() ([]domain.MissionState, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.MissionState
	for _, e := range entries {
		if !e.IsDir() || e.Name() == archiveDirName {
			continue
		}
		state, _, lerr := s.Load(e.Name())
		if lerr != nil {
			s.Log.Warn().Str("mission_id", e.Name()).Err(lerr).Msg("skipping unreadable mission")
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

// RequestStop leaves a durable stop marker in the mission directory so a
// stop issued from another process is seen at the next phase boundary.
func (s *Store) RequestStop(missionID string) error {
	dir := s.dir(missionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, missionID)
	}
	return os.WriteFile(filepath.Join(dir, stopFile), []byte("stop\n"), 0o644)
}

// StopRequested reports whether a durable stop marker exists.
func (s *Store) StopRequested(missionID string) bool {
	_, err := os.Stat(filepath.Join(s.dir(missionID), stopFile))
	return err == nil
}

// ClearStop removes the durable stop marker if present.
func (s *Store) ClearStop(missionID string) {
	_ = os.Remove(filepath.Join(s.dir(missionID), stopFile))
}

// Archive moves a mission directory under archive/. This is the only way a
// mission record is ever destroyed from the active set.
func (s *Store) Archive(missionID string) error {
	dir := s.dir(missionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, missionID)
	}
	archiveDir := filepath.Join(s.Root, archiveDirName)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}
	return os.Rename(dir, filepath.Join(archiveDir, missionID))
}
