// Package gateway defines the wire contract to task-runtimes. The
// orchestration core consumes this interface; a real implementation (HTTP,
// gRPC, or direct container exec) lives outside this module. Adapted from
// the reference control plane's Dispatcher, generalized from its
// fire-and-forget single-command job shape to the full per-run dispatch
// descriptor this system requires.
package gateway

import (
	"context"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/model"
)

// DispatchRequest is the full descriptor sent to a runtime to start a run.
type DispatchRequest struct {
	RunID             string
	RepositoryID      string
	TaskID            string
	HarnessType       string
	ImageTag          string
	CloneURL          string
	Branch            string
	CommitSHA         string
	WorkingDirectory  string
	Instruction       string
	Env               map[string]string
	Secrets           map[string]string
	ConcurrencyKey    string
	TimeoutSeconds    int
	RetryCount        int
	ArtifactPatterns  []string
	LinkedFailureRuns []string
	CustomArgs        map[string]string
	DispatchedAt      time.Time
	ContainerLabels   map[string]string
	Attempt           int
	SandboxProfile    model.SandboxProfile
	ArtifactPolicy    model.ArtifactPolicy
}

// DispatchResult is RuntimeGateway.DispatchJob's reply.
type DispatchResult struct {
	Success      bool
	ErrorMessage string
	DispatchedAt time.Time
}

// StopResult is RuntimeGateway.StopJob's reply.
type StopResult struct {
	Success      bool
	ErrorMessage string
}

// KillResult is RuntimeGateway.KillContainer's reply.
type KillResult struct {
	Success      bool
	ErrorMessage string
	WasRunning   bool
}

// HeartbeatResult is RuntimeGateway.Heartbeat's reply.
type HeartbeatResult struct {
	Success bool
}

// ReconcileResult is RuntimeGateway.ReconcileOrphanedContainers's reply.
type ReconcileResult struct {
	Success        bool
	ReconciledCount int
	ContainerIDs   []string
}

// HarnessTool describes one coding-agent harness available on a runtime.
type HarnessTool struct {
	Command     string
	DisplayName string
	Status      string
	Version     string
}

// HarnessToolsResult is RuntimeGateway.GetHarnessTools's reply.
type HarnessToolsResult struct {
	Tools     []HarnessTool
	CheckedAt time.Time
}

// RuntimeGateway is the wire protocol to task-runtimes (spec.md 6.2). The
// core calls it from the Scheduler's dispatch/cancel path, the Dead-Run
// Detector, and cmd/orchestrator's orphan-reconciliation loop; it never
// implements it.
type RuntimeGateway interface {
	DispatchJob(ctx context.Context, req DispatchRequest) (DispatchResult, error)
	StopJob(ctx context.Context, runID string) (StopResult, error)
	KillContainer(ctx context.Context, containerID string) (KillResult, error)
	Heartbeat(ctx context.Context, runtimeID, hostName string, activeSlots, maxSlots int, timestamp time.Time) (HeartbeatResult, error)
	ReconcileOrphanedContainers(ctx context.Context, runtimeID string) (ReconcileResult, error)
	GetHarnessTools(ctx context.Context, requestID string) (HarnessToolsResult, error)
}
