package domain

import "time"

// FileTailState is the persisted reading position of one file in one folder.
// Offset never decreases within a generation; a detected rotation resets it
// to zero and bumps Generation by one.
type FileTailState struct {
	FolderID         int64
	Path             string
	Identity         uint64 // inode or platform equivalent, 0 = unknown
	LastSize         int64
	LastOffset       int64
	Generation       int64
	LastMtime        time.Time
	LastSeen         time.Time
	LastError        string
	RecordsProcessed int64
}

// NewFileTailState returns the state used for a file seen for the first time
func NewFileTailState(folderID int64, path string) *FileTailState {
	return &FileTailState{
		FolderID:   folderID,
		Path:       path,
		Generation: 1,
	}
}

// Rotate resets the reading position for a new lifetime of the file
func (s *FileTailState) Rotate() {
	s.LastOffset = 0
	s.LastSize = 0
	s.Generation++
}
