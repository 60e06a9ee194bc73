package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dsawrangler/internal/core/record"
	"dsawrangler/internal/dsa"
)

// State is the engine's job state.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateSynced
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Credential is an authenticated server base URL and token.
type Credential struct {
	BaseURL string
	Token   string
}

func (c Credential) validate() error {
	switch {
	case strings.TrimSpace(c.BaseURL) == "":
		return record.Precondition("sync.start", "server base url missing")
	case strings.TrimSpace(c.Token) == "":
		return record.Precondition("sync.start", "credential token missing")
	}
	return nil
}

// Fields is what gets pushed for one record.
type Fields struct {
	LocalCaseID     string
	LocalStainID    string
	LocalRegionID   string
	ExternalCaseID  string
	StainProtocols  []string
	RegionProtocols []string
	LastModifiedAt  time.Time
	Source          string
}

// FieldsOf extracts the pushed fields from r.
func FieldsOf(r record.Record) Fields {
	return Fields{
		LocalCaseID:     r.LocalCaseID,
		LocalStainID:    r.LocalStainID,
		LocalRegionID:   r.LocalRegionID,
		ExternalCaseID:  r.ExternalCaseID,
		StainProtocols:  append([]string(nil), r.StainProtocols...),
		RegionProtocols: append([]string(nil), r.RegionProtocols...),
		LastModifiedAt:  r.LastModifiedAt,
		Source:          dsa.SourceTag,
	}
}

// Submitter pushes one record's fields to the remote item remoteID. It must be
// safe to call again with the same arguments.
type Submitter interface {
	SubmitRecordUpdate(ctx context.Context, cred Credential, remoteID string, f Fields) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, cred Credential, remoteID string, f Fields) error

func (fn SubmitterFunc) SubmitRecordUpdate(ctx context.Context, cred Credential, remoteID string, f Fields) error {
	return fn(ctx, cred, remoteID, f)
}

// Options tunes a sync job. Zero values take the defaults; a negative delay
// disables that delay.
type Options struct {
	Credential  Credential
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	BatchDelay  time.Duration
	// Timeout, when positive, cancels the job after the given duration.
	Timeout time.Duration
	// LeaveDirty keeps successfully pushed records dirty (used by reset).
	LeaveDirty bool
}

const (
	DefaultBatchSize   = 5
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2000 * time.Millisecond
	DefaultBatchDelay  = 1000 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	} else if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	} else if o.BatchDelay == 0 {
		o.BatchDelay = DefaultBatchDelay
	}
	return o
}

// Progress is reported after every settled item.
type Progress struct {
	Current    int
	Total      int
	Success    int
	Errors     int
	Skipped    int
	Percentage float64
}

// ItemStatus is the outcome of one record.
type ItemStatus string

const (
	ItemSuccess   ItemStatus = "success"
	ItemError     ItemStatus = "error"
	ItemSkipped   ItemStatus = "skipped"
	ItemCancelled ItemStatus = "cancelled"
)

// ItemResult records one record's outcome.
type ItemResult struct {
	RecordID string
	RemoteID string
	Status   ItemStatus
	Attempts int
	Err      error
	// StillDirty is set when the record changed while it was being pushed.
	StillDirty bool
	Retries    dsa.RetryStats
	Duration   time.Duration
}

// Result is the terminal summary of a job. Completed is false only when the
// job ended through cancellation or an aborting precondition failure.
type Result struct {
	JobID      string
	State      State
	Completed  bool
	TimedOut   bool
	TotalItems int
	Processed  int
	Success    int
	Errors     int
	Skipped    int
	Results    []ItemResult
	StartedAt  time.Time
	Duration   time.Duration
}

// ErrCancelled unwinds retry and batch loops after Cancel. It is never
// counted as an item error.
var ErrCancelled = errors.New("sync cancelled")

// ConcurrentSyncError is returned by Start while another job runs.
type ConcurrentSyncError struct {
	JobID string
}

func (e *ConcurrentSyncError) Error() string {
	return fmt.Sprintf("sync job %s already running", e.JobID)
}

// ItemSyncError is a record that could not be pushed after all attempts.
type ItemSyncError struct {
	RecordID string
	RemoteID string
	Attempts int
	Err      error
}

func (e *ItemSyncError) Error() string {
	return fmt.Sprintf("record %s (item %s) failed after %d attempt(s): %v", e.RecordID, e.RemoteID, e.Attempts, e.Err)
}

func (e *ItemSyncError) Unwrap() error { return e.Err }
