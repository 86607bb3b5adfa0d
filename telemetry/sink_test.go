package telemetry

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medcompress/worker"
)

func TestSinkLifecycle(t *testing.T) {
	s := NewSink(nil)

	s.StartTracking("job-1", Meta{FileName: "patient-exam.mp4", FileSize: 100 << 20, Preset: "medical-standard", Priority: "urgent"})
	s.UpdateStage("job-1", worker.StageLoading, 0.20)
	s.UpdateStage("job-1", worker.StageProcessing, 0.55)
	s.CompleteTracking("job-1", Completion{
		Outcome:        OutcomeSuccess,
		CompressedSize: 40 << 20,
		Duration:       3 * time.Second,
	})

	stats := s.Statistics()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Successful)
	assert.Equal(t, int64(100<<20), stats.BytesBefore)
	assert.Equal(t, int64(40<<20), stats.BytesAfter)
	assert.Equal(t, 3*time.Second, stats.TotalDuration)

	recent := s.Recent()
	require.Len(t, recent, 1)
	rec := recent[0]
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	require.Len(t, rec.Transitions, 2)
	assert.Equal(t, worker.StageProcessing, rec.Transitions[1].Stage)
}

func TestSinkHashesFileNames(t *testing.T) {
	s := NewSink(nil)
	s.StartTracking("job-1", Meta{FileName: "patient-exam.mp4"})
	s.CompleteTracking("job-1", Completion{Outcome: OutcomeSuccess})

	rec := s.Recent()[0]
	assert.NotContains(t, rec.FileHash, "patient")
	assert.Len(t, rec.FileHash, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", rec.FileHash)

	// Same name, same hash.
	s.StartTracking("job-2", Meta{FileName: "patient-exam.mp4"})
	s.CompleteTracking("job-2", Completion{Outcome: OutcomeSuccess})
	assert.Equal(t, rec.FileHash, s.Recent()[1].FileHash)
}

func TestSinkCancelledIsNotAFailure(t *testing.T) {
	s := NewSink(nil)

	s.StartTracking("job-1", Meta{FileName: "a.mp4"})
	s.CompleteTracking("job-1", Completion{Outcome: OutcomeCancelled})
	s.StartTracking("job-2", Meta{FileName: "b.mp4"})
	s.CompleteTracking("job-2", Completion{Outcome: OutcomeFailed, Error: "encoder crashed"})

	stats := s.Statistics()
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Successful)
}

func TestSinkIgnoresUnknownIDs(t *testing.T) {
	s := NewSink(nil)

	s.UpdateStage("ghost", worker.StageProcessing, 0.5)
	s.CompleteTracking("ghost", Completion{Outcome: OutcomeSuccess})

	assert.Equal(t, int64(0), s.Statistics().Total)
	assert.Empty(t, s.Recent())
}

func TestSinkRecentRingIsBounded(t *testing.T) {
	s := NewSink(nil)

	for i := 0; i < recentLimit+25; i++ {
		id := fmt.Sprintf("job-%d", i)
		s.StartTracking(id, Meta{FileName: "a.mp4"})
		s.CompleteTracking(id, Completion{Outcome: OutcomeSuccess})
	}

	recent := s.Recent()
	assert.Len(t, recent, recentLimit)
	assert.Equal(t, fmt.Sprintf("job-%d", recentLimit+24), recent[len(recent)-1].JobID)
}

type failingStore struct{ appends int }

func (f *failingStore) Append(Record) error { f.appends++; return errors.New("disk full") }
func (f *failingStore) Close() error        { return nil }

func TestSinkSwallowsStoreErrors(t *testing.T) {
	store := &failingStore{}
	s := NewSink(store)

	s.StartTracking("job-1", Meta{FileName: "a.mp4"})
	s.CompleteTracking("job-1", Completion{Outcome: OutcomeSuccess})

	assert.Equal(t, 1, store.appends)
	assert.Equal(t, int64(1), s.Statistics().Successful)
}

func TestSQLiteStoreAppend(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	defer store.Close()

	err = store.Append(Record{
		JobID:     "job-1",
		FileHash:  hashName("exam.mp4"),
		FileSize:  50 << 20,
		Preset:    "medical-standard",
		Priority:  "routine",
		StartedAt: time.Now(),
		Transitions: []Transition{
			{Stage: worker.StageLoading, Progress: 0.20, At: time.Now()},
		},
		Outcome:        OutcomeSuccess,
		CompressedSize: 20 << 20,
		Duration:       2 * time.Second,
	})
	assert.NoError(t, err)
}
