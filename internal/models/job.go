package models

import "time"

type JobState string

const (
	JobDownloading JobState = "downloading"
	JobConverting  JobState = "converting"
	JobUploading   JobState = "uploading"
	JobDelivering  JobState = "delivering"
	JobSucceeded   JobState = "succeeded"
	JobFailed      JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// ConversionJob tracks one file message through conversion and delivery.
// Jobs live in memory only.
type ConversionJob struct {
	ID         string
	SourceUser string
	MediaRef   string
	FileName   string
	State      JobState
	CreatedAt  time.Time
}

// ConversionOutcome is what the job produced: a PDF from one backend, or the
// error that ended it.
type ConversionOutcome struct {
	JobID       string
	State       JobState
	FailedStage JobState
	Backend     string
	PDFBytes    int
	MediaID     string
	Err         error
	Duration    time.Duration
}
