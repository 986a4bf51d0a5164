package domain

import "time"

// FileReadingProgress is a snapshot of one tail pass, mirrored for monitoring
type FileReadingProgress struct {
	Timestamp     time.Time
	FolderPath    string
	FilePath      string // Full path to the file
	FileName      string // Just filename for easier queries
	Generation    int64
	FileSizeBytes int64
	OffsetBytes   int64 // Current reading position
	RecordsSaved  int64 // Records stored during this pass
	RecordsTotal  int64 // Records stored for the file so far
	LastError     string
}
