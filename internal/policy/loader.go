package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

// Defaults applied to omitted folder fields
const (
	DefaultPollingInterval      = 10
	DefaultMaxFiles             = 10
	DefaultRotationMax          = 10
	DefaultScheduleEveryMinutes = 120
)

// DefaultIncludePatterns is used when a pattern-mode folder lists none
var DefaultIncludePatterns = []string{"*.txt", "*.log"}

// FolderEntry is one folder in folders.yaml
type FolderEntry struct {
	Path                 string   `yaml:"path"`
	Include              []string `yaml:"include"`
	Exclude              []string `yaml:"exclude"`
	PollingInterval      int      `yaml:"polling_interval"`
	MaxFiles             int      `yaml:"max_files"`
	AccessMode           string   `yaml:"access_mode"`
	RotationBase         string   `yaml:"rotation_base"`
	RotationMax          int      `yaml:"rotation_max"`
	ScheduleEnabled      bool     `yaml:"schedule_enabled"`
	ScheduleEveryMinutes int      `yaml:"schedule_every_minutes"`
	Active               *bool    `yaml:"active"`
}

// File is the root of folders.yaml
type File struct {
	Folders []FolderEntry `yaml:"folders"`
}

// LoadFile reads folders.yaml and returns the valid policies it describes.
// Invalid entries are logged and skipped.
func LoadFile(path string) ([]domain.FolderPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read folders file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse folders file: %w", err)
	}

	policies := make([]domain.FolderPolicy, 0, len(f.Folders))
	for i, entry := range f.Folders {
		p := entry.Policy()
		if err := Validate(&p); err != nil {
			log.Warn().
				Err(err).
				Int("index", i).
				Str("path", entry.Path).
				Msg("Skipping invalid folder entry")
			continue
		}
		policies = append(policies, p)
	}

	log.Info().
		Str("file", path).
		Int("folders", len(policies)).
		Msg("Folder policies loaded")

	return policies, nil
}

// Policy converts the entry into a FolderPolicy with defaults applied
func (e FolderEntry) Policy() domain.FolderPolicy {
	p := domain.FolderPolicy{
		Path:                 strings.TrimSpace(e.Path),
		IncludePatterns:      trimPatterns(e.Include),
		ExcludePatterns:      trimPatterns(e.Exclude),
		PollingInterval:      e.PollingInterval,
		MaxFiles:             e.MaxFiles,
		AccessMode:           e.AccessMode,
		RotationBase:         strings.TrimSpace(e.RotationBase),
		RotationMax:          e.RotationMax,
		ScheduleEnabled:      e.ScheduleEnabled,
		ScheduleEveryMinutes: e.ScheduleEveryMinutes,
		Active:               e.Active == nil || *e.Active,
	}

	if p.PollingInterval == 0 {
		p.PollingInterval = DefaultPollingInterval
	}
	if p.MaxFiles == 0 {
		p.MaxFiles = DefaultMaxFiles
	}
	if p.AccessMode == "" {
		p.AccessMode = domain.AccessModeSafe
	}
	if p.RotationMax == 0 {
		p.RotationMax = DefaultRotationMax
	}
	if p.ScheduleEveryMinutes == 0 {
		p.ScheduleEveryMinutes = DefaultScheduleEveryMinutes
	}
	if !p.RotationMode() && len(p.IncludePatterns) == 0 {
		p.IncludePatterns = append([]string(nil), DefaultIncludePatterns...)
	}
	return p
}

// ParsePatternList splits a comma-separated pattern list
func ParsePatternList(s string) []string {
	return trimPatterns(strings.Split(s, ","))
}

func trimPatterns(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
