// Package telemetry records compression lifecycle events and aggregate
// statistics. Every call is best-effort: telemetry must never throw or
// block the critical path, so internal failures are logged and swallowed.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"medcompress/worker"
)

// Outcome is the terminal disposition of a tracked job. A user
// cancellation is its own outcome and does not count against the
// failure rate.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
)

// Meta describes a job at tracking start.
type Meta struct {
	FileName string
	FileSize int64
	Preset   string
	Priority string
}

// Transition is one stage change with its timestamp.
type Transition struct {
	Stage    worker.Stage `json:"stage"`
	Progress float64      `json:"progress"`
	At       time.Time    `json:"at"`
}

// Record is the append-only per-job telemetry entry. File names are
// stored as SHA-256 hashes; patient-identifying names never persist.
type Record struct {
	JobID          string       `json:"jobId"`
	FileHash       string       `json:"fileHash"`
	FileSize       int64        `json:"fileSize"`
	Preset         string       `json:"preset"`
	Priority       string       `json:"priority"`
	StartedAt      time.Time    `json:"startedAt"`
	Transitions    []Transition `json:"transitions"`
	Outcome        Outcome      `json:"outcome"`
	CompressedSize int64        `json:"compressedSize,omitempty"`
	Duration       time.Duration `json:"duration"`
	Error          string       `json:"error,omitempty"`
}

// Stats are the running aggregate counters.
type Stats struct {
	Total         int64         `json:"total"`
	Successful    int64         `json:"successful"`
	Failed        int64         `json:"failed"`
	Cancelled     int64         `json:"cancelled"`
	Rejected      int64         `json:"rejected"`
	BytesBefore   int64         `json:"bytesBefore"`
	BytesAfter    int64         `json:"bytesAfter"`
	TotalDuration time.Duration `json:"totalDuration"`
}

// Completion carries the terminal details for CompleteTracking.
type Completion struct {
	Outcome        Outcome
	CompressedSize int64
	Duration       time.Duration
	Error          string
}

// RecordStore persists completed records. Persistence failures degrade
// to in-memory telemetry only.
type RecordStore interface {
	Append(Record) error
	Close() error
}

const recentLimit = 100

// Sink tracks in-flight jobs and aggregates outcomes.
type Sink struct {
	mu     sync.Mutex
	active map[string]*Record
	recent []Record
	stats  Stats
	store  RecordStore
}

// NewSink creates a sink. store may be nil for in-memory-only telemetry.
func NewSink(store RecordStore) *Sink {
	return &Sink{
		active: make(map[string]*Record),
		store:  store,
	}
}

// StartTracking opens a record for a job.
func (s *Sink) StartTracking(id string, meta Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[id] = &Record{
		JobID:     id,
		FileHash:  hashName(meta.FileName),
		FileSize:  meta.FileSize,
		Preset:    meta.Preset,
		Priority:  meta.Priority,
		StartedAt: time.Now(),
	}
}

// UpdateStage appends a stage transition to the job's record. Unknown
// ids are ignored.
func (s *Sink) UpdateStage(id string, stage worker.Stage, progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[id]
	if !ok {
		return
	}
	rec.Transitions = append(rec.Transitions, Transition{
		Stage:    stage,
		Progress: progress,
		At:       time.Now(),
	})
}

// CompleteTracking closes the record, folds it into the aggregates and
// hands it to the store. Unknown ids are ignored.
func (s *Sink) CompleteTracking(id string, c Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)

	rec.Outcome = c.Outcome
	rec.CompressedSize = c.CompressedSize
	rec.Duration = c.Duration
	rec.Error = c.Error

	s.stats.Total++
	switch c.Outcome {
	case OutcomeSuccess:
		s.stats.Successful++
		s.stats.BytesBefore += rec.FileSize
		s.stats.BytesAfter += c.CompressedSize
		s.stats.TotalDuration += c.Duration
	case OutcomeFailed:
		s.stats.Failed++
	case OutcomeCancelled:
		s.stats.Cancelled++
	case OutcomeRejected:
		s.stats.Rejected++
	}

	s.recent = append(s.recent, *rec)
	if len(s.recent) > recentLimit {
		s.recent = append([]Record(nil), s.recent[len(s.recent)-recentLimit:]...)
	}

	if s.store != nil {
		if err := s.store.Append(*rec); err != nil {
			log.Printf("telemetry: failed to persist record %s: %v", id, err)
		}
	}
}

// Statistics returns a copy of the aggregate counters.
func (s *Sink) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Recent returns the most recently completed records, newest last.
func (s *Sink) Recent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.recent))
	copy(out, s.recent)
	return out
}

// Close flushes the backing store.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func hashName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
