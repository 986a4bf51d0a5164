package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
)

var ErrPathNotAllowed = errors.New("folder path not allowed for access mode")

// Validate checks a policy before it is stored
func Validate(p *domain.FolderPolicy) error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	if p.PollingInterval < 1 {
		return fmt.Errorf("polling_interval must be at least 1 second")
	}
	if p.MaxFiles < 1 {
		return fmt.Errorf("max_files must be at least 1")
	}
	if p.RotationMode() {
		if p.RotationMax < 1 {
			return fmt.Errorf("rotation_max must be at least 1")
		}
		if strings.ContainsAny(p.RotationBase, `/\`) {
			return fmt.Errorf("rotation_base must be a file name, got %q", p.RotationBase)
		}
		if len(p.IncludePatterns) > 0 || len(p.ExcludePatterns) > 0 {
			log.Warn().
				Str("path", p.Path).
				Str("rotation_base", p.RotationBase).
				Msg("Rotation mode set, include/exclude patterns are ignored")
			p.IncludePatterns = nil
			p.ExcludePatterns = nil
		}
	}
	if p.ScheduleEnabled && p.ScheduleEveryMinutes < 1 {
		return fmt.Errorf("schedule_every_minutes must be at least 1")
	}
	for _, pattern := range append(append([]string(nil), p.IncludePatterns...), p.ExcludePatterns...) {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}

	return ValidatePath(p.Path, p.AccessMode)
}

// ValidatePath checks that path may be monitored under the given access mode
func ValidatePath(path, accessMode string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	switch accessMode {
	case domain.AccessModeSafe, "":
		if isSafePath(abs) {
			return nil
		}
	case domain.AccessModeHomeDesktop:
		if isSafePath(abs) || isUnderHome(abs) {
			return nil
		}
	case domain.AccessModeUnrestricted:
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotAllowed, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrPathNotAllowed, abs)
		}
		f, err := os.Open(abs)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotAllowed, err)
		}
		f.Close()
		return nil
	default:
		return fmt.Errorf("unknown access mode %q", accessMode)
	}

	return fmt.Errorf("%w: %s (%s)", ErrPathNotAllowed, abs, accessMode)
}

// isSafePath allows the temp dir and the working directory only
func isSafePath(abs string) bool {
	allowed := []string{os.TempDir()}
	if cwd, err := os.Getwd(); err == nil {
		allowed = append(allowed, cwd)
	}
	for _, prefix := range allowed {
		if within(abs, prefix) {
			return true
		}
	}
	return false
}

func isUnderHome(abs string) bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	resolved := abs
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = r
	}
	if realHome, err := filepath.EvalSymlinks(home); err == nil {
		home = realHome
	}
	// Desktop lives under home on every supported OS
	return within(resolved, home)
}

func within(path, root string) bool {
	root, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
