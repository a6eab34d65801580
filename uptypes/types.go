// Package uptypes provides shared type definitions for the upload module.
package uptypes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/input-output-hk/catalyst-forge-libs/fs"
)

// Status represents the lifecycle state of an upload session.
type Status string

// Session lifecycle states.
const (
	// StatusPending is the initial state before the remote upload is initiated.
	StatusPending Status = "pending"

	// StatusUploading means parts are being scheduled and transferred.
	StatusUploading Status = "uploading"

	// StatusPaused means no new parts are dispatched; in-flight results are kept.
	StatusPaused Status = "paused"

	// StatusCompleted means all parts were uploaded and the remote upload finalized.
	StatusCompleted Status = "completed"

	// StatusFailed means the session hit a non-recoverable error.
	StatusFailed Status = "failed"

	// StatusCancelled means the caller cancelled the session.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether moving from one status to another is
// permitted by the session state machine. A no-op transition (same status)
// is always allowed.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusUploading || to == StatusFailed || to == StatusCancelled
	case StatusUploading:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusPaused:
		return to == StatusUploading || to == StatusFailed || to == StatusCancelled
	default:
		// Terminal states have no outgoing transitions.
		return false
	}
}

// UploadedPart records a part confirmed by the backend.
type UploadedPart struct {
	// PartNumber is the 1-based part sequence number
	PartNumber int32 `json:"part_number"`

	// ETag is the opaque completion token returned by the backend
	ETag string `json:"etag"`

	// Size is the part size in bytes as reported by the backend
	Size int64 `json:"size"`
}

// Session is the durable record of one upload attempt for one file.
type Session struct {
	// ID is the opaque session identifier, stable for the session's lifetime
	ID string `json:"id"`

	// ProjectID is the caller-supplied project identifier
	ProjectID string `json:"project_id"`

	// StorageKey is the caller-supplied object key for the uploaded file
	StorageKey string `json:"storage_key"`

	// FilePath is the local path of the source file, needed to resume
	// after a process restart
	FilePath string `json:"file_path"`

	// FileName is the display name of the file
	FileName string `json:"file_name"`

	// FileSize is the total file size in bytes
	FileSize int64 `json:"file_size"`

	// MimeType is the detected or caller-supplied content type
	MimeType string `json:"mime_type"`

	// ChunkSize is the fixed part size in bytes
	ChunkSize int64 `json:"chunk_size"`

	// TotalChunks is ceil(FileSize / ChunkSize)
	TotalChunks int32 `json:"total_chunks"`

	// Status is the current state machine position
	Status Status `json:"status"`

	// Parts holds backend-confirmed parts keyed by part number
	Parts map[int32]UploadedPart `json:"parts"`

	// StartedAt is when the session was created
	StartedAt time.Time `json:"started_at"`

	// LastActivityAt updates on every observed state change; drives expiry
	LastActivityAt time.Time `json:"last_activity_at"`

	// RemoteUploadID is the backend multipart upload identifier,
	// immutable once set
	RemoteUploadID string `json:"remote_upload_id,omitempty"`

	// ErrorMsg is the last observed error, cleared on successful retry
	ErrorMsg string `json:"error,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	out.Parts = make(map[int32]UploadedPart, len(s.Parts))
	for n, p := range s.Parts {
		out.Parts[n] = p
	}
	return &out
}

// UploadedBytes sums the sizes of all confirmed parts.
func (s *Session) UploadedBytes() int64 {
	var total int64
	for _, p := range s.Parts {
		total += p.Size
	}
	return total
}

// Covered reports whether every part number 1..TotalChunks is confirmed.
func (s *Session) Covered() bool {
	if int32(len(s.Parts)) < s.TotalChunks {
		return false
	}
	for n := int32(1); n <= s.TotalChunks; n++ {
		if _, ok := s.Parts[n]; !ok {
			return false
		}
	}
	return true
}

// SessionPatch describes a merge update to a persisted session.
// Nil fields are left untouched.
type SessionPatch struct {
	// Status requests a state transition, validated against the state machine
	Status *Status

	// RemoteUploadID sets the backend upload id; rejected if already set
	// to a different value
	RemoteUploadID *string

	// Parts are merged into the confirmed-part set by part number
	Parts []UploadedPart

	// ReplaceParts, when non-nil, replaces the confirmed-part set wholesale.
	// Used only by resume reconciliation where the remote listing is
	// authoritative.
	ReplaceParts *[]UploadedPart

	// ErrorMsg sets or clears (empty string) the session error
	ErrorMsg *string

	// LastActivityAt overrides the activity timestamp; defaults to now
	LastActivityAt *time.Time
}

// Snapshot is a point-in-time, human-facing view of an upload's progress.
type Snapshot struct {
	// SessionID identifies the session
	SessionID string `json:"session_id"`

	// Status is the session status at snapshot time
	Status Status `json:"status"`

	// Percent is uploaded chunks over total chunks, clamped to [0,100]
	Percent float64 `json:"percent"`

	// UploadedBytes is the sum of confirmed part sizes
	UploadedBytes int64 `json:"uploaded_bytes"`

	// TotalBytes is the file size
	TotalBytes int64 `json:"total_bytes"`

	// UploadedChunks is the number of confirmed parts
	UploadedChunks int32 `json:"uploaded_chunks"`

	// TotalChunks is the planned part count
	TotalChunks int32 `json:"total_chunks"`

	// Throughput is a trailing-window average in bytes per second
	Throughput float64 `json:"throughput"`

	// ETA is the estimated time remaining; zero when unknown
	ETA time.Duration `json:"eta"`

	// Error is the last observed error message, if any
	Error string `json:"error,omitempty"`
}

// EventType tags the closed set of events emitted by the engine.
type EventType string

// Event types emitted on the subscription channel.
const (
	// EventProgress carries an updated progress snapshot
	EventProgress EventType = "progress"

	// EventChunkCompleted fires when a single part is confirmed
	EventChunkCompleted EventType = "chunk-completed"

	// EventError carries a part-level or session-level error description
	EventError EventType = "error"

	// EventStatusChanged fires on every state machine transition
	EventStatusChanged EventType = "status-changed"
)

// Event is a tagged variant delivered to subscribers. Fields beyond Type
// and SessionID are populated according to the event type.
type Event struct {
	// Type discriminates the variant
	Type EventType `json:"type"`

	// SessionID identifies the session the event belongs to
	SessionID string `json:"session_id"`

	// Status is set for status-changed events
	Status Status `json:"status,omitempty"`

	// PartNumber is set for chunk-completed and part-level error events
	PartNumber int32 `json:"part_number,omitempty"`

	// Message is set for error events
	Message string `json:"message,omitempty"`

	// Snapshot is set for progress events
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// StartInput describes a new upload request.
type StartInput struct {
	// Path is the local path of the file to upload
	Path string

	// ProjectID is the owning project identifier; opaque to the engine
	ProjectID string

	// StorageKey is the destination object key
	StorageKey string

	// FileName overrides the display name; defaults to the path base
	FileName string

	// MimeType overrides content-type detection
	MimeType string
}

// Config holds resolved configuration for the upload manager.
type Config struct {
	// Region is the AWS region for the backend
	Region string

	// Endpoint overrides the backend endpoint (S3-compatible services)
	Endpoint string

	// ForcePathStyle uses path-style addressing, required by some
	// S3-compatible backends
	ForcePathStyle bool

	// Bucket is the destination bucket for all sessions
	Bucket string

	// ChunkSize is the part size in bytes
	ChunkSize int64

	// Concurrency bounds in-flight part uploads per session
	Concurrency int

	// MaxRetries bounds retry attempts per network operation
	MaxRetries int

	// RetryBaseDelay is the first backoff delay between retries
	RetryBaseDelay time.Duration

	// OperationTimeout applies to each network attempt
	OperationTimeout time.Duration

	// SessionMaxAge is the inactivity threshold for the expiry sweep
	SessionMaxAge time.Duration

	// SweepInterval enables the background sweeper when positive
	SweepInterval time.Duration

	// StateDir is the directory holding persisted session records
	StateDir string

	// Filesystem abstracts file access for source files and session state
	Filesystem fs.Filesystem

	// Logger receives structured engine logs
	Logger *slog.Logger

	// Now is a clock seam for tests
	Now func() time.Time

	// CustomAWSConfig overrides default AWS configuration loading
	CustomAWSConfig *aws.Config

	// CustomHTTPClient overrides the backend HTTP client
	CustomHTTPClient *http.Client
}

// Option is a functional option for configuring the upload manager.
type Option func(*Config)
