// Package idgen mints the process-unique identifiers used throughout the
// orchestration core: run/task/runtime ids, execution tokens, and the
// EventBus's monotonically increasing delivery id.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// Generator mints ids. The zero value is ready to use.
type Generator struct {
	deliveryID atomic.Int64
}

// NewGenerator returns a ready-to-use Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

func randomSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is unrecoverable entropy starvation; panicking
		// here matches the reference's fail-fast posture for startup-time
		// crypto errors (see attestation.NewSigner callers).
		panic(fmt.Errorf("idgen: entropy source failed: %w", err))
	}
	return hex.EncodeToString(b[:])
}

// NewRunID mints a run identity.
func (g *Generator) NewRunID() string { return "run_" + randomSuffix() }

// NewTaskID mints a task identity.
func (g *Generator) NewTaskID() string { return "task_" + randomSuffix() }

// NewRuntimeID mints a task-runtime identity.
func (g *Generator) NewRuntimeID() string { return "rt_" + randomSuffix() }

// NewWorkID mints a background-work identity.
func (g *Generator) NewWorkID() string { return "work_" + randomSuffix() }

// NewExecutionToken mints a per-dispatch-attempt token, unique process-wide.
func (g *Generator) NewExecutionToken() string { return "tok_" + randomSuffix() }

// NextDeliveryID returns the next monotonically increasing delivery id,
// global across all runs handled by this process.
func (g *Generator) NextDeliveryID() int64 { return g.deliveryID.Add(1) }
