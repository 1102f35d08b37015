// Package config assembles the orchestration core's configuration from
// environment variables with defaults and validates it at startup, in the
// same os.Getenv-with-fallback style the reference main.go uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RetryDefaults is the default RetryPolicy applied to tasks that don't
// override it.
type RetryDefaults struct {
	MaxAttempts       int
	BackoffBaseSeconds float64
	BackoffMultiplier  float64
}

// TTLDays controls retention of logs and run records.
type TTLDays struct {
	Logs int
	Runs int
}

// DeadRunDetection configures the liveness scanner (spec.md 4.5).
type DeadRunDetection struct {
	CheckIntervalSeconds      int
	StaleRunThresholdMinutes  int
	ZombieRunThresholdMinutes int
	MaxRunAgeHours            int
	EnableAutoTermination     bool
	ForceKillOnTimeout        bool
}

// StageTimeout bounds multi-stage workflow gating (PendingApproval et al.).
type StageTimeout struct {
	DefaultTaskStageTimeoutMinutes      int
	DefaultApprovalStageTimeoutHours    int
	DefaultParallelStageTimeoutMinutes  int
	MaxStageTimeoutHours                int
}

// ConnectivityMode describes how the control plane reaches a runtime.
type ConnectivityMode string

const (
	ConnectivityAutoDetect   ConnectivityMode = "AutoDetect"
	ConnectivityDockerDNS    ConnectivityMode = "DockerDnsOnly"
	ConnectivityHostPortOnly ConnectivityMode = "HostPortOnly"
)

// TaskRuntimes configures the RuntimePool.
type TaskRuntimes struct {
	MaxTaskRuntimes              int
	ParallelSlotsPerTaskRuntime  int
	IdleTimeoutMinutes           int
	StartupTimeoutSeconds        int
	ContainerImage               string
	ContainerNamePrefix          string
	DockerNetwork                string
	ConnectivityMode             ConnectivityMode
	EnablePressureScaling        bool
	CPUScaleOutThresholdPercent  int
	MemoryScaleOutThresholdPercent int
	PressureSampleWindowSeconds  int
}

// Config is the orchestration core's complete, validated configuration.
type Config struct {
	SchedulerIntervalSeconds   int
	MaxGlobalConcurrentRuns    int
	PerProjectConcurrencyLimit int
	PerRepoConcurrencyLimit    int
	RetryDefaults              RetryDefaults
	TTLDays                    TTLDays
	DeadRunDetection           DeadRunDetection
	StageTimeout               StageTimeout
	TaskRuntimes               TaskRuntimes

	MaxRetainedSnapshots   int
	BackgroundWorkerCount  int
	EventBacklogCapacity   int
	HeartbeatIntervalSeconds int
	CancelGraceSeconds     int
	ShutdownGraceSeconds   int
}

// Default returns the configuration defaults named throughout spec.md.
func Default() *Config {
	return &Config{
		SchedulerIntervalSeconds:   10,
		MaxGlobalConcurrentRuns:    10,
		PerProjectConcurrencyLimit: 10,
		PerRepoConcurrencyLimit:    10,
		RetryDefaults: RetryDefaults{
			MaxAttempts:        3,
			BackoffBaseSeconds: 1,
			BackoffMultiplier:  2.0,
		},
		TTLDays: TTLDays{Logs: 30, Runs: 90},
		DeadRunDetection: DeadRunDetection{
			CheckIntervalSeconds:      60,
			StaleRunThresholdMinutes:  5,
			ZombieRunThresholdMinutes: 10,
			MaxRunAgeHours:            24,
			EnableAutoTermination:     true,
			ForceKillOnTimeout:        true,
		},
		StageTimeout: StageTimeout{
			DefaultTaskStageTimeoutMinutes:     60,
			DefaultApprovalStageTimeoutHours:   24,
			DefaultParallelStageTimeoutMinutes: 120,
			MaxStageTimeoutHours:               168,
		},
		TaskRuntimes: TaskRuntimes{
			MaxTaskRuntimes:                4,
			ParallelSlotsPerTaskRuntime:    1,
			IdleTimeoutMinutes:             15,
			StartupTimeoutSeconds:          60,
			ContainerImage:                 "agentsdashboard/runtime:latest",
			ContainerNamePrefix:            "adb-runtime-",
			DockerNetwork:                  "bridge",
			ConnectivityMode:               ConnectivityAutoDetect,
			EnablePressureScaling:          true,
			CPUScaleOutThresholdPercent:    80,
			MemoryScaleOutThresholdPercent: 80,
			PressureSampleWindowSeconds:    60,
		},
		MaxRetainedSnapshots:     256,
		BackgroundWorkerCount:    4,
		EventBacklogCapacity:     5000,
		HeartbeatIntervalSeconds: 5,
		CancelGraceSeconds:       30,
		ShutdownGraceSeconds:     30,
	}
}

// FromEnv layers environment-variable overrides onto Default(), mirroring
// the reference main.go's os.Getenv-with-fallback idiom.
func FromEnv() *Config {
	c := Default()
	c.SchedulerIntervalSeconds = envInt("SCHEDULER_INTERVAL_SECONDS", c.SchedulerIntervalSeconds)
	c.MaxGlobalConcurrentRuns = envInt("MAX_GLOBAL_CONCURRENT_RUNS", c.MaxGlobalConcurrentRuns)
	c.PerProjectConcurrencyLimit = envInt("PER_PROJECT_CONCURRENCY_LIMIT", c.PerProjectConcurrencyLimit)
	c.PerRepoConcurrencyLimit = envInt("PER_REPO_CONCURRENCY_LIMIT", c.PerRepoConcurrencyLimit)
	c.TaskRuntimes.MaxTaskRuntimes = envInt("MAX_TASK_RUNTIMES", c.TaskRuntimes.MaxTaskRuntimes)
	c.TaskRuntimes.ParallelSlotsPerTaskRuntime = envInt("PARALLEL_SLOTS_PER_TASK_RUNTIME", c.TaskRuntimes.ParallelSlotsPerTaskRuntime)
	c.TaskRuntimes.ContainerImage = envStr("CONTAINER_IMAGE", c.TaskRuntimes.ContainerImage)
	c.DeadRunDetection.CheckIntervalSeconds = envInt("DEAD_RUN_CHECK_INTERVAL_SECONDS", c.DeadRunDetection.CheckIntervalSeconds)
	return c
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Validate fails fast on inconsistent configuration, matching spec.md's
// boundary behavior: "perRepoConcurrencyLimit > perProjectConcurrencyLimit
// is rejected by config validation".
func (c *Config) Validate() error {
	if c.SchedulerIntervalSeconds < 1 || c.SchedulerIntervalSeconds > 300 {
		return fmt.Errorf("config: schedulerIntervalSeconds must be in [1,300], got %d", c.SchedulerIntervalSeconds)
	}
	if c.PerRepoConcurrencyLimit > c.PerProjectConcurrencyLimit {
		return fmt.Errorf("config: perRepoConcurrencyLimit (%d) must be <= perProjectConcurrencyLimit (%d)",
			c.PerRepoConcurrencyLimit, c.PerProjectConcurrencyLimit)
	}
	if c.PerProjectConcurrencyLimit > c.MaxGlobalConcurrentRuns {
		return fmt.Errorf("config: perProjectConcurrencyLimit (%d) must be <= maxGlobalConcurrentRuns (%d)",
			c.PerProjectConcurrencyLimit, c.MaxGlobalConcurrentRuns)
	}
	tr := c.TaskRuntimes
	if tr.MaxTaskRuntimes < 0 || tr.MaxTaskRuntimes > 256 {
		return fmt.Errorf("config: taskRuntimes.maxTaskRuntimes must be in [0,256], got %d", tr.MaxTaskRuntimes)
	}
	if tr.ParallelSlotsPerTaskRuntime < 1 || tr.ParallelSlotsPerTaskRuntime > 128 {
		return fmt.Errorf("config: taskRuntimes.parallelSlotsPerTaskRuntime must be in [1,128], got %d", tr.ParallelSlotsPerTaskRuntime)
	}
	if tr.IdleTimeoutMinutes < 1 || tr.IdleTimeoutMinutes > 1440 {
		return fmt.Errorf("config: taskRuntimes.idleTimeoutMinutes must be in [1,1440], got %d", tr.IdleTimeoutMinutes)
	}
	if tr.StartupTimeoutSeconds < 5 || tr.StartupTimeoutSeconds > 300 {
		return fmt.Errorf("config: taskRuntimes.startupTimeoutSeconds must be in [5,300], got %d", tr.StartupTimeoutSeconds)
	}
	if tr.CPUScaleOutThresholdPercent < 1 || tr.CPUScaleOutThresholdPercent > 100 {
		return fmt.Errorf("config: taskRuntimes.cpuScaleOutThresholdPercent must be in [1,100], got %d", tr.CPUScaleOutThresholdPercent)
	}
	if tr.MemoryScaleOutThresholdPercent < 1 || tr.MemoryScaleOutThresholdPercent > 100 {
		return fmt.Errorf("config: taskRuntimes.memoryScaleOutThresholdPercent must be in [1,100], got %d", tr.MemoryScaleOutThresholdPercent)
	}
	if tr.PressureSampleWindowSeconds < 5 || tr.PressureSampleWindowSeconds > 600 {
		return fmt.Errorf("config: taskRuntimes.pressureSampleWindowSeconds must be in [5,600], got %d", tr.PressureSampleWindowSeconds)
	}
	return nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) HeartbeatFreshness() time.Duration {
	return 3 * c.HeartbeatInterval()
}
