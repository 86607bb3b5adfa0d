package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medcompress/flags"
	"medcompress/policy"
	"medcompress/recovery"
	"medcompress/telemetry"
	"medcompress/worker"
)

// fakeTransport scripts worker behavior per dispatch attempt. emit is
// safe to call after Detach; late messages are discarded.
type fakeTransport struct {
	mu         sync.Mutex
	dispatches int
	streams    map[string]chan worker.Message

	// script receives the 1-based attempt number.
	script func(attempt int, req worker.Request, emit func(worker.Message))
}

func newFakeTransport(script func(attempt int, req worker.Request, emit func(worker.Message))) *fakeTransport {
	return &fakeTransport{streams: make(map[string]chan worker.Message), script: script}
}

func (f *fakeTransport) Dispatch(_ context.Context, req worker.Request) (<-chan worker.Message, error) {
	f.mu.Lock()
	f.dispatches++
	attempt := f.dispatches
	ch := make(chan worker.Message, 16)
	f.streams[req.JobID] = ch
	f.mu.Unlock()

	emit := func(msg worker.Message) {
		msg.JobID = req.JobID
		f.mu.Lock()
		defer f.mu.Unlock()
		if cur, ok := f.streams[req.JobID]; ok && cur == ch {
			select {
			case cur <- msg:
			default:
			}
		}
	}

	if f.script != nil {
		go f.script(attempt, req, emit)
	}
	return ch, nil
}

func (f *fakeTransport) Detach(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.streams[jobID]; ok {
		delete(f.streams, jobID)
		close(ch)
	}
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches
}

func newTestOrchestrator(ft *fakeTransport, rec *recovery.Policy) *Orchestrator {
	gate := flags.NewGate(nil, flags.DefaultFlags())
	resolver := policy.NewResolver(gate)
	checker := policy.NewChecker(gate, resolver, nil)
	if rec == nil {
		rec = recovery.NewPolicy()
	}
	return New(gate, resolver, checker, ft, rec, telemetry.NewSink(nil), Options{MaxConcurrent: 2})
}

func testVideo() policy.File {
	return policy.File{Name: "exam.mp4", Size: 100 << 20, MediaType: "video/mp4"}
}

func desktopOpts() policy.Options {
	return policy.Options{Device: policy.DeviceDesktop, Network: policy.NetworkFast}
}

func TestCompressSuccess(t *testing.T) {
	ft := newFakeTransport(func(attempt int, req worker.Request, emit func(worker.Message)) {
		emit(worker.Message{Type: worker.MessageProgress, Progress: 0.5})
		emit(worker.Message{Type: worker.MessageComplete, Result: &worker.Result{
			OutputPath:     "/tmp/exam-compressed.mp4",
			CompressedSize: 40 << 20,
		}})
	})
	o := newTestOrchestrator(ft, nil)

	res := o.Compress(context.Background(), testVideo(), "/tmp/exam.mp4", desktopOpts())

	require.True(t, res.Success)
	assert.NotEmpty(t, res.CompressionID)
	assert.Equal(t, int64(100<<20), res.OriginalSize)
	assert.Equal(t, int64(40<<20), res.CompressedSize)
	assert.InDelta(t, 0.6, res.CompressionRatio, 1e-9)
	assert.Equal(t, "/tmp/exam-compressed.mp4", res.OutputPath)
	assert.Equal(t, 1, ft.count())

	// Terminal jobs leave the active table.
	_, ok := o.Status(res.CompressionID)
	assert.False(t, ok)

	stats := o.SystemStatus().Stats
	assert.Equal(t, int64(1), stats.Successful)
	assert.Equal(t, int64(100<<20), stats.BytesBefore)
	assert.Equal(t, int64(40<<20), stats.BytesAfter)
}

func TestCompressProgressIsMonotone(t *testing.T) {
	ft := newFakeTransport(func(attempt int, req worker.Request, emit func(worker.Message)) {
		emit(worker.Message{Type: worker.MessageProgress, Progress: 0.5})
		// A regressing frame must be clamped, not applied.
		emit(worker.Message{Type: worker.MessageProgress, Progress: 0.2})
		emit(worker.Message{Type: worker.MessageProgress, Progress: 0.9})
		emit(worker.Message{Type: worker.MessageComplete, Result: &worker.Result{CompressedSize: 1 << 20}})
	})
	o := newTestOrchestrator(ft, nil)

	events := o.Events().Subscribe(AllJobs)
	defer o.Events().Unsubscribe(AllJobs, events)

	_, done := o.CompressAsync(context.Background(), testVideo(), "/tmp/exam.mp4", desktopOpts())
	res := <-done
	require.True(t, res.Success)

	last := -1.0
	for {
		select {
		case ev := <-events:
			if ev.Type == EventCompleted {
				return
			}
			if ev.Type != EventProgress {
				continue
			}
			assert.GreaterOrEqual(t, ev.Progress, last, "progress regressed")
			assert.LessOrEqual(t, ev.Progress, 1.0)
			if ev.Stage == worker.StageProcessing {
				assert.GreaterOrEqual(t, ev.Progress, 0.30)
				assert.LessOrEqual(t, ev.Progress, 0.90)
			}
			last = ev.Progress
		case <-time.After(time.Second):
			t.Fatal("never saw the completion event")
		}
	}
}

func TestCompressTimeoutRetriesOnceThenFallsBack(t *testing.T) {
	// The worker never answers; both attempts expire on their deadline.
	ft := newFakeTransport(nil)
	o := newTestOrchestrator(ft, &recovery.Policy{RetryTimeout: 40 * time.Millisecond})

	opts := desktopOpts()
	opts.Timeout = 40 * time.Millisecond
	res := o.Compress(context.Background(), testVideo(), "/tmp/exam.mp4", opts)

	assert.False(t, res.Success)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Error, "deadline")
	assert.Equal(t, 2, ft.count())
	assert.Equal(t, int64(1), o.SystemStatus().Stats.Failed)
}

func TestCompressWorkerTimeoutMessageRetries(t *testing.T) {
	ft := newFakeTransport(func(attempt int, req worker.Request, emit func(worker.Message)) {
		if attempt == 1 {
			emit(worker.Message{Type: worker.MessageError, Error: "timeout exceeded"})
			return
		}
		emit(worker.Message{Type: worker.MessageComplete, Result: &worker.Result{CompressedSize: 30 << 20}})
	})
	o := newTestOrchestrator(ft, nil)

	res := o.Compress(context.Background(), testVideo(), "/tmp/exam.mp4", desktopOpts())

	assert.True(t, res.Success)
	assert.Equal(t, 2, ft.count())
}

func TestCompressWorkerFailureDoesNotRetry(t *testing.T) {
	ft := newFakeTransport(func(attempt int, req worker.Request, emit func(worker.Message)) {
		emit(worker.Message{Type: worker.MessageError, Error: "encoder crashed"})
	})
	o := newTestOrchestrator(ft, nil)

	res := o.Compress(context.Background(), testVideo(), "/tmp/exam.mp4", desktopOpts())

	assert.False(t, res.Success)
	assert.True(t, res.Fallback)
	assert.Equal(t, "encoder crashed", res.Error)
	assert.Equal(t, 1, ft.count())
	assert.Equal(t, int64(1), o.SystemStatus().Stats.Failed)
}

func TestCancelRunningJob(t *testing.T) {
	// The worker never answers; cancellation wins.
	ft := newFakeTransport(nil)
	o := newTestOrchestrator(ft, nil)

	id, done := o.CompressAsync(context.Background(), testVideo(), "/tmp/exam.mp4", desktopOpts())

	require.Eventually(t, func() bool {
		snap, ok := o.Status(id)
		return ok && snap.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	o.Cancel(id)
	// Cancelling again must be a harmless no-op.
	o.Cancel(id)

	res := <-done
	assert.True(t, res.Cancelled)
	assert.False(t, res.Success)
	assert.Empty(t, res.Error)

	stats := o.SystemStatus().Stats
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestCancelUnknownJobIsNoOp(t *testing.T) {
	o := newTestOrchestrator(newFakeTransport(nil), nil)
	o.Cancel("no-such-job")
}

func TestCompressBypassFallsBackToDirectUpload(t *testing.T) {
	ft := newFakeTransport(nil)
	o := newTestOrchestrator(ft, nil)
	o.ActivateEmergencyBypass("storage incident")

	res := o.Compress(context.Background(), testVideo(), "/tmp/exam.mp4", desktopOpts())

	assert.False(t, res.Success)
	assert.True(t, res.Fallback)
	assert.Equal(t, "emergency bypass active", res.Error)
	assert.Equal(t, 0, ft.count())
	assert.Equal(t, int64(1), o.SystemStatus().Stats.Rejected)

	status := o.SystemStatus()
	assert.True(t, status.BypassActive)
	assert.Equal(t, "storage incident", status.BypassReason)

	o.ResetEmergencyBypass()
	assert.False(t, o.SystemStatus().BypassActive)
}

func TestCompressRejectsUnsuitableFile(t *testing.T) {
	ft := newFakeTransport(nil)
	o := newTestOrchestrator(ft, nil)

	res := o.Compress(context.Background(),
		policy.File{Name: "tiny.mp4", Size: 512 << 10, MediaType: "video/mp4"},
		"/tmp/tiny.mp4", desktopOpts())

	assert.False(t, res.Success)
	assert.False(t, res.Fallback)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 0, ft.count())
	assert.Equal(t, int64(1), o.SystemStatus().Stats.Rejected)
}

func TestCheckAvailabilityPassesThrough(t *testing.T) {
	o := newTestOrchestrator(newFakeTransport(nil), nil)

	avail := o.CheckAvailability(context.Background(), testVideo(), desktopOpts())

	require.True(t, avail.Available)
	assert.True(t, avail.Recommended)
	require.NotNil(t, avail.Settings)
}

func TestSweepStaleCancelsOldJobs(t *testing.T) {
	ft := newFakeTransport(nil)
	o := newTestOrchestrator(ft, nil)

	id, done := o.CompressAsync(context.Background(), testVideo(), "/tmp/exam.mp4", desktopOpts())
	require.Eventually(t, func() bool {
		snap, ok := o.Status(id)
		return ok && snap.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	o.sweepStale(0)

	res := <-done
	assert.True(t, res.Cancelled)
}
