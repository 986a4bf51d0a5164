package monitor

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/extract"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
)

// Retention limits how many files of a folder stay tracked. Physical files
// are never touched; dropping only forgets the tail state and parse buffer.
type Retention struct {
	states  store.FileStateStore
	buffers *extract.BufferTable
}

// NewRetention creates a retention enforcer
func NewRetention(states store.FileStateStore, buffers *extract.BufferTable) *Retention {
	return &Retention{states: states, buffers: buffers}
}

// Enforce keeps the first MaxFiles of files (ordered newest first) and
// forgets the rest, plus any stored state for paths no longer eligible.
// It returns the kept files.
func (r *Retention) Enforce(ctx context.Context, p *domain.FolderPolicy, files []string) []string {
	kept := files
	if p.MaxFiles > 0 && len(files) > p.MaxFiles {
		kept = files[:p.MaxFiles]
		for _, path := range files[p.MaxFiles:] {
			r.forget(ctx, p.ID, path)
			log.Info().
				Str("folder", p.Path).
				Str("file", path).
				Msg("Would archive old file")
		}
	}

	states, err := r.states.ListFileStates(ctx, p.ID)
	if err != nil {
		log.Warn().Err(err).Str("folder", p.Path).Msg("Failed to list file states for retention")
		return kept
	}

	keep := make(map[string]bool, len(kept))
	for _, path := range kept {
		keep[path] = true
	}
	for _, st := range states {
		if !keep[st.Path] {
			r.forget(ctx, p.ID, st.Path)
		}
	}

	return kept
}

func (r *Retention) forget(ctx context.Context, folderID int64, path string) {
	if err := r.states.DeleteFileState(ctx, folderID, path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to delete file state")
		return
	}
	r.buffers.Drop(path)
	log.Debug().Str("file", path).Msg("Stopped tracking file")
}
