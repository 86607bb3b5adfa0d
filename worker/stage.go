// Package worker is the message-passing boundary to the out-of-process
// compression executor: the stage model, the wire protocol and the
// transports that speak it.
package worker

// Stage is a named phase within a job's processing lifecycle. The set is
// closed; transitions are validated so an illegal move (completed back to
// processing, a resurrecting error) is rejected instead of silently applied.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageLoading      Stage = "loading"
	StageProcessing   Stage = "processing"
	StageFinalizing   Stage = "finalizing"
	StageCompleted    Stage = "completed"
	StageError        Stage = "error"
	StageCancelled    Stage = "cancelled"
)

// Overall job progress bounds contributed by each stage. The processing
// stage spans ProcessingFloor..ProcessingCeil, driven by worker progress
// messages; the others are fixed points.
const (
	ProcessingFloor = 0.30
	ProcessingCeil  = 0.90
)

var stageProgress = map[Stage]float64{
	StageInitializing: 0,
	StageLoading:      0.20,
	StageProcessing:   ProcessingFloor,
	StageFinalizing:   0.95,
	StageCompleted:    1.0,
}

// BaseProgress returns the overall progress fraction a stage starts at.
func (s Stage) BaseProgress() float64 {
	return stageProgress[s]
}

// Terminal reports whether the stage ends the job.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError || s == StageCancelled
}

// Valid reports whether s is a member of the closed stage set.
func (s Stage) Valid() bool {
	switch s {
	case StageInitializing, StageLoading, StageProcessing, StageFinalizing,
		StageCompleted, StageError, StageCancelled:
		return true
	}
	return false
}

var forwardTransitions = map[Stage]Stage{
	StageInitializing: StageLoading,
	StageLoading:      StageProcessing,
	StageProcessing:   StageFinalizing,
	StageFinalizing:   StageCompleted,
}

// ValidTransition reports whether from→to is a legal stage move.
// Transitions are strictly forward; error and cancelled are reachable
// from any non-terminal stage; staying in processing is allowed while
// progress messages arrive.
func ValidTransition(from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StageError || to == StageCancelled {
		return true
	}
	if from == to && from == StageProcessing {
		return true
	}
	return forwardTransitions[from] == to
}

// ScaleProgress maps a worker-reported fraction in [0,1] into the
// processing stage's share of overall progress.
func ScaleProgress(workerFraction float64) float64 {
	if workerFraction < 0 {
		workerFraction = 0
	}
	if workerFraction > 1 {
		workerFraction = 1
	}
	return ProcessingFloor + workerFraction*(ProcessingCeil-ProcessingFloor)
}
