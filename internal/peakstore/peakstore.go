// Package peakstore persists today's peak plant power across restarts.
package peakstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/fault"
	"saj_portal/scraper-go/internal/model"
)

// Store loads and saves the peak-power state. Load never fails: anything it
// cannot read degrades to the zero state (no peak, absent date).
type Store interface {
	Load(ctx context.Context) model.PeakState
	Save(ctx context.Context, st model.PeakState) error
}

type fileState struct {
	PeakPowerToday float64 `json:"peak_power_today"`
	LastResetDate  *string `json:"last_reset_date"`
}

// FileStore keeps the state in a small JSON document.
type FileStore struct {
	log  zerolog.Logger
	path string
}

func NewFileStore(log zerolog.Logger, path string) *FileStore {
	return &FileStore{log: log, path: path}
}

func (s *FileStore) Load(_ context.Context) model.PeakState {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Info().Str("path", s.path).Msg("peak power state file not found, starting fresh")
		} else {
			s.log.Warn().Err(err).Str("path", s.path).Msg("could not read peak power state, starting fresh")
		}
		return model.PeakState{}
	}

	var fst fileState
	if err := json.Unmarshal(b, &fst); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("malformed peak power state, starting fresh")
		return model.PeakState{}
	}

	st := model.PeakState{Watts: fst.PeakPowerToday}
	if fst.LastResetDate != nil && *fst.LastResetDate != "" {
		d, err := model.ParseDate(*fst.LastResetDate)
		if err != nil {
			s.log.Warn().Err(err).Str("path", s.path).Msg("invalid reset date in peak power state, starting fresh")
			return model.PeakState{}
		}
		st.ResetDate = d
	}

	s.log.Info().Float64("peak", st.Watts).Str("reset_date", st.ResetDate.String()).Msg("loaded peak power state")
	return st
}

// Save replaces the file atomically: a temp file in the same directory is
// written and renamed over the target.
func (s *FileStore) Save(_ context.Context, st model.PeakState) error {
	fst := fileState{PeakPowerToday: st.Watts}
	if !st.ResetDate.IsZero() {
		d := st.ResetDate.String()
		fst.LastResetDate = &d
	}
	b, err := json.MarshalIndent(fst, "", "  ")
	if err != nil {
		return fault.New(fault.Persistence, "encode peak state", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.New(fault.Persistence, "create state dir", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fault.New(fault.Persistence, "create temp state", err)
	}
	tmpName := tmp.Name()
	cleanup := func(op string, cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fault.New(fault.Persistence, op, cause)
	}

	if _, err := tmp.Write(b); err != nil {
		return cleanup("write temp state", err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup("sync temp state", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fault.New(fault.Persistence, "close temp state", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fault.New(fault.Persistence, "replace state", fmt.Errorf("%s: %w", s.path, err))
	}

	s.log.Debug().Float64("peak", st.Watts).Str("reset_date", st.ResetDate.String()).Msg("saved peak power state")
	return nil
}
