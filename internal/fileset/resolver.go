// Package fileset turns a folder policy into the ordered list of files the
// monitor tails, newest first.
package fileset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

// fileWithMtime is a candidate file with its modification time
type fileWithMtime struct {
	Path  string
	Mtime time.Time
}

// Resolve returns the eligible files of p ordered by mtime descending.
// Rotation mode takes precedence over include/exclude patterns.
func Resolve(p *domain.FolderPolicy) ([]string, error) {
	if p.RotationMode() {
		return resolveRotation(p), nil
	}
	return resolvePatterns(p)
}

// resolveRotation lists base, base.1 ... base.N that exist
func resolveRotation(p *domain.FolderPolicy) []string {
	base := filepath.Join(p.Path, p.RotationBase)

	candidates := make([]string, 0, p.RotationMax+1)
	candidates = append(candidates, base)
	for i := 1; i <= p.RotationMax; i++ {
		candidates = append(candidates, base+"."+strconv.Itoa(i))
	}

	var files []fileWithMtime
	for _, path := range candidates {
		if f, ok := statRegular(path); ok {
			files = append(files, f)
		}
	}
	return sortNewestFirst(files)
}

// resolvePatterns unions include matches, orders them, then drops exclude matches
func resolvePatterns(p *domain.FolderPolicy) ([]string, error) {
	seen := make(map[string]bool)
	var files []fileWithMtime

	for _, pattern := range p.IncludePatterns {
		matches, err := filepath.Glob(filepath.Join(p.Path, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true
			if f, ok := statRegular(path); ok {
				files = append(files, f)
			}
		}
	}

	ordered := sortNewestFirst(files)
	if len(p.ExcludePatterns) == 0 {
		return ordered, nil
	}

	excluded := make(map[string]bool)
	for _, pattern := range p.ExcludePatterns {
		matches, err := filepath.Glob(filepath.Join(p.Path, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			excluded[path] = true
		}
	}

	result := ordered[:0]
	for _, path := range ordered {
		if !excluded[path] {
			result = append(result, path)
		}
	}
	return result, nil
}

func statRegular(path string) (fileWithMtime, bool) {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", path).Msg("Failed to stat candidate file")
		}
		return fileWithMtime{}, false
	}
	if !info.Mode().IsRegular() {
		return fileWithMtime{}, false
	}
	return fileWithMtime{Path: path, Mtime: info.ModTime()}, true
}

func sortNewestFirst(files []fileWithMtime) []string {
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Mtime.After(files[j].Mtime)
	})

	result := make([]string, len(files))
	for i, f := range files {
		result[i] = f.Path
	}
	return result
}
