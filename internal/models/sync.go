package models

import "time"

// SyncOutcome holds the result of one rsync invocation.
type SyncOutcome struct {
	ExitCode int
	Output   string // combined stdout/stderr, never truncated here
	Duration time.Duration
	Stats    SyncStats
}

// Succeeded reports whether rsync exited with status 0.
func (o *SyncOutcome) Succeeded() bool {
	return o.ExitCode == 0
}

// SyncStats holds the figures rsync prints with --stats.
type SyncStats struct {
	FilesTotal       int
	FilesTransferred int
	FilesDeleted     int
	TotalSize        int64
	TransferredSize  int64
}
