package domain

import "time"

// Access modes for monitored folders
const (
	AccessModeSafe         = "safe"
	AccessModeHomeDesktop  = "home_desktop"
	AccessModeUnrestricted = "unrestricted"
)

// FolderPolicy describes one monitored folder and how its files are picked up
type FolderPolicy struct {
	ID              int64
	Path            string
	IncludePatterns []string // Folder-relative globs, ignored in rotation mode
	ExcludePatterns []string
	PollingInterval int // seconds
	MaxFiles        int
	AccessMode      string

	// Rotation mode: base, base.1 ... base.RotationMax
	RotationBase string
	RotationMax  int

	// Scheduled mode runs the folder every ScheduleEveryMinutes instead of every pass
	ScheduleEnabled      bool
	ScheduleEveryMinutes int

	Active    bool
	LastRunAt *time.Time
}

// RotationMode reports whether the folder uses explicit rotation suffixes
func (p *FolderPolicy) RotationMode() bool {
	return p.RotationBase != ""
}

// Due reports whether the folder should be processed at now
func (p *FolderPolicy) Due(now time.Time) bool {
	if !p.ScheduleEnabled || p.LastRunAt == nil {
		return true
	}
	return !now.Before(p.NextRun())
}

// NextRun returns the next scheduled run time. Zero for continuous or never-run folders.
func (p *FolderPolicy) NextRun() time.Time {
	if !p.ScheduleEnabled || p.LastRunAt == nil {
		return time.Time{}
	}
	return p.LastRunAt.Add(time.Duration(p.ScheduleEveryMinutes) * time.Minute)
}
