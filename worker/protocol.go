package worker

import (
	"medcompress/policy"
)

// MessageType discriminates worker messages.
type MessageType string

const (
	MessageProgress MessageType = "progress"
	MessageComplete MessageType = "complete"
	MessageError    MessageType = "error"
)

// Request is the single logical compress request sent to the worker.
type Request struct {
	Type      string          `json:"type"` // always "compress"
	JobID     string          `json:"jobId"`
	InputPath string          `json:"inputPath"`
	File      policy.File     `json:"file"`
	Settings  policy.Settings `json:"settings"`
}

// NewRequest builds a compress request for one job.
func NewRequest(jobID, inputPath string, file policy.File, settings policy.Settings) Request {
	return Request{
		Type:      "compress",
		JobID:     jobID,
		InputPath: inputPath,
		File:      file,
		Settings:  settings,
	}
}

// Result is the payload of a terminal complete message.
type Result struct {
	OutputPath     string `json:"outputPath"`
	CompressedSize int64  `json:"compressedSize"`
}

// Message is one frame on the worker channel. The worker emits zero or
// more progress frames followed by exactly one terminal frame. Every
// frame carries the job id it belongs to; the router drops frames for
// unknown ids so concurrent jobs can never cross-deliver.
type Message struct {
	Type     MessageType `json:"type"`
	JobID    string      `json:"jobId"`
	Progress float64     `json:"progress,omitempty"` // worker-scoped, [0,1]
	Result   *Result     `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Terminal reports whether the message ends the job's stream.
func (m Message) Terminal() bool {
	return m.Type == MessageComplete || m.Type == MessageError
}
