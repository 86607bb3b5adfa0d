package orchestrator

import (
	"context"
	"time"

	"medcompress/policy"
	"medcompress/worker"
)

// Status is the orchestrator-level lifecycle of a job, coarser than the
// worker stage it wraps while dispatched.
type Status string

const (
	StatusChecking   Status = "checking_availability"
	StatusRejected   Status = "rejected"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusRecovering Status = "recovering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status ends the job.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one in-flight compression request. It is owned exclusively by
// the orchestrator: no other component holds a reference, only the id.
type Job struct {
	ID        string
	File      policy.File
	InputPath string
	Options   policy.Options
	Settings  policy.Settings
	Status    Status
	Stage     worker.Stage
	Progress  float64
	CreatedAt time.Time
	StartedAt time.Time

	retries   int
	cancelled bool
	cancel    context.CancelFunc
}

// Snapshot is the exported, immutable view of a job handed to callers.
type Snapshot struct {
	ID        string          `json:"id"`
	File      policy.File     `json:"file"`
	Status    Status          `json:"status"`
	Stage     worker.Stage    `json:"stage"`
	Progress  float64         `json:"progress"`
	Preset    string          `json:"preset,omitempty"`
	Priority  policy.Priority `json:"priority,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	StartedAt time.Time       `json:"startedAt,omitempty"`
	Retries   int             `json:"retries"`
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		ID:        j.ID,
		File:      j.File,
		Status:    j.Status,
		Stage:     j.Stage,
		Progress:  j.Progress,
		Preset:    j.Settings.Preset,
		Priority:  j.Options.Priority,
		CreatedAt: j.CreatedAt,
		StartedAt: j.StartedAt,
		Retries:   j.retries,
	}
}

// Result is what compressVideo hands back to UI code. Failure never
// surfaces as an exception across this contract; Fallback tells the
// caller to continue with the original, uncompressed file.
type Result struct {
	Success          bool          `json:"success"`
	CompressionID    string        `json:"compressionId"`
	OriginalSize     int64         `json:"originalSize"`
	CompressedSize   int64         `json:"compressedSize,omitempty"`
	CompressionRatio float64       `json:"compressionRatio,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	OutputPath       string        `json:"outputPath,omitempty"`
	Error            string        `json:"error,omitempty"`
	Fallback         bool          `json:"fallback,omitempty"`
	Cancelled        bool          `json:"cancelled,omitempty"`
}
