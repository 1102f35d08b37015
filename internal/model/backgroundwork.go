package model

import "time"

// BackgroundWorkKind enumerates the ancillary async operations the
// coordinator runs on behalf of the scheduler and runtime pool.
type BackgroundWorkKind string

const (
	KindTaskRuntimeImageResolution BackgroundWorkKind = "TaskRuntimeImageResolution"
	KindVectorBootstrap            BackgroundWorkKind = "VectorBootstrap"
	KindRepositoryGitRefresh        BackgroundWorkKind = "RepositoryGitRefresh"
	KindRecovery                    BackgroundWorkKind = "Recovery"
	KindOther                       BackgroundWorkKind = "Other"
)

// BackgroundWorkState is the Pending -> Running -> terminal state machine.
type BackgroundWorkState int

const (
	WorkPending BackgroundWorkState = iota
	WorkRunning
	WorkSucceeded
	WorkFailed
	WorkCancelled
)

func (s BackgroundWorkState) String() string {
	switch s {
	case WorkPending:
		return "Pending"
	case WorkRunning:
		return "Running"
	case WorkSucceeded:
		return "Succeeded"
	case WorkFailed:
		return "Failed"
	case WorkCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Active reports whether s participates in operationKey dedupe.
func (s BackgroundWorkState) Active() bool {
	return s == WorkPending || s == WorkRunning
}

func (s BackgroundWorkState) Terminal() bool {
	switch s {
	case WorkSucceeded, WorkFailed, WorkCancelled:
		return true
	default:
		return false
	}
}

// BackgroundWorkSnapshot is the externally visible, immutable view of a
// QueuedBackgroundWork entry at a point in time.
type BackgroundWorkSnapshot struct {
	WorkID       string
	OperationKey string
	Kind         BackgroundWorkKind
	State        BackgroundWorkState
	Percent      int
	Message      string
	StartedAt    *time.Time
	UpdatedAt    time.Time
	ErrorCode    string
}

// ClampPercent enforces the 0-100 clamp spec.md requires of progress
// reporting.
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
