// Command orchestrator boots the Run Scheduler, Task-Runtime Pool Manager,
// Event Fan-out Subsystem, Background Work Coordinator, and Dead-Run
// Detector behind an HTTP surface. Adapted from the reference control
// plane's main.go wiring order: store selection, reconciliation/dispatcher
// construction, leader election + lock janitor, idempotency store, then
// route registration and a startup banner.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/api"
	"github.com/agentsdashboard/orchestrator-core/internal/attestation"
	"github.com/agentsdashboard/orchestrator-core/internal/backgroundwork"
	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/config"
	"github.com/agentsdashboard/orchestrator-core/internal/coordination"
	"github.com/agentsdashboard/orchestrator-core/internal/deadrun"
	"github.com/agentsdashboard/orchestrator-core/internal/eventbus"
	"github.com/agentsdashboard/orchestrator-core/internal/gateway"
	"github.com/agentsdashboard/orchestrator-core/internal/idempotency"
	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/resilience"
	"github.com/agentsdashboard/orchestrator-core/internal/runtimepool"
	"github.com/agentsdashboard/orchestrator-core/internal/scheduler"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
	"github.com/agentsdashboard/orchestrator-core/internal/store/memory"
	"github.com/agentsdashboard/orchestrator-core/internal/store/postgres"
	redisstore "github.com/agentsdashboard/orchestrator-core/internal/store/redis"
	"github.com/agentsdashboard/orchestrator-core/internal/transport/ws"
)

// memoryCoordinator returns a process-local store.Coordinator for the
// no-Redis-configured dev/single-process path.
func memoryCoordinator() store.Coordinator {
	return memory.NewCoordinator()
}

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "orchestrator"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// loadOrGenerateAttestationKey loads an RSA private key from the PEM text in
// ATTESTATION_PRIVATE_KEY_PEM, or mints an ephemeral one for a dev/single-
// process run (attestation is then verifiable only for this process's own
// lifetime, same as a fresh key on every restart of the reference agent
// identity service).
func loadOrGenerateAttestationKey() (*rsa.PrivateKey, error) {
	if pemText := os.Getenv("ATTESTATION_PRIVATE_KEY_PEM"); pemText != "" {
		block, _ := pem.Decode([]byte(pemText))
		if block == nil {
			return nil, fmt.Errorf("ATTESTATION_PRIVATE_KEY_PEM does not contain a PEM block")
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse attestation private key: %w", err)
		}
		return key, nil
	}
	log.Printf("[ORCHESTRATOR] ATTESTATION_PRIVATE_KEY_PEM unset, generating an ephemeral signing key")
	return rsa.GenerateKey(rand.Reader, 2048)
}

// collectReportedRunState asks gw to reconcile orphaned containers on every
// non-stopped runtime and, for each that responds successfully, reports the
// scheduler's own view of the runs dispatched to it. RuntimeGateway exposes
// no independent container->run mapping today, so this is a best-effort
// signal: it catches a runtime that has gone fully unreachable (absent from
// the result) but not a single wrong run within an otherwise-healthy
// runtime.
func collectReportedRunState(ctx context.Context, st store.Store, gw gateway.RuntimeGateway) map[string][]string {
	runtimes, err := st.ListRuntimes(ctx)
	if err != nil {
		log.Printf("[ORCHESTRATOR] ⚠️ orphan reconciliation: failed to list runtimes: %v", err)
		return nil
	}
	runs, err := st.ListRuns(ctx, store.RunFilter{States: []model.RunState{model.RunRunning}})
	if err != nil {
		log.Printf("[ORCHESTRATOR] ⚠️ orphan reconciliation: failed to list running runs: %v", err)
		return nil
	}

	byRuntime := make(map[string][]string)
	for _, run := range runs {
		if run.DispatchedToRuntimeID == nil {
			continue
		}
		byRuntime[*run.DispatchedToRuntimeID] = append(byRuntime[*run.DispatchedToRuntimeID], run.RunID)
	}

	reported := make(map[string][]string)
	for _, rt := range runtimes {
		if rt.LifecycleState == model.RuntimeStopped {
			continue
		}
		result, err := gw.ReconcileOrphanedContainers(ctx, rt.RuntimeID)
		if err != nil {
			log.Printf("[ORCHESTRATOR] ⚠️ orphan reconciliation: runtime %s unreachable: %v", rt.RuntimeID, err)
			continue
		}
		if result.Success {
			reported[rt.RuntimeID] = byRuntime[rt.RuntimeID]
		}
	}
	return reported
}

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids := idgen.NewGenerator()
	clk := clock.Real{}

	var st store.Store
	if connString := os.Getenv("DATABASE_URL"); connString != "" {
		pg, err := postgres.New(ctx, connString)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Printf("[ORCHESTRATOR] using postgres store")
	} else {
		st = memory.New()
		log.Printf("[ORCHESTRATOR] DATABASE_URL unset, using in-memory store (single-process only)")
	}

	// A Coordinator requires a shared backend across replicas: Redis if
	// configured, otherwise an in-memory Coordinator that only coordinates
	// within this one process.
	var coordinator store.Coordinator
	var idemBackend idempotency.Backend
	bus := eventbus.New(ids, cfg.EventBacklogCapacity)
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb, err := redisstore.New(ctx, redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		coordinator = rdb
		idemBackend = redisstore.NewHTTPCache(rdb)
		bus.SetBacklogCache(redisstore.NewEventCache(rdb, int64(cfg.EventBacklogCapacity)))
		log.Printf("[ORCHESTRATOR] using redis at %s for coordination, idempotency, and event backlog overflow", redisAddr)
	} else {
		coordinator = memoryCoordinator()
		log.Printf("[ORCHESTRATOR] REDIS_ADDR unset, using in-memory Coordinator (unsafe for multi-replica HA)")
	}

	bg := backgroundwork.New(ids, clk, st, cfg.BackgroundWorkerCount, cfg.MaxRetainedSnapshots)
	bg.Start(ctx)

	degraded := resilience.NewDegradedMode()
	signingKey, err := loadOrGenerateAttestationKey()
	if err != nil {
		log.Fatalf("failed to set up attestation signing key: %v", err)
	}
	signer := attestation.NewSigner(signingKey)

	pool := runtimepool.New(cfg.TaskRuntimes, cfg.HeartbeatInterval(), st, clk, ids, bg, runtimepool.NewFakeProvisioner())
	pool.SetDegradedMode(degraded)
	gw := gateway.NewFake()
	sched := scheduler.New(cfg, st, clk, ids, pool, gw, bus)
	sched.SetAttestationSigner(signer)
	sched.SetDegradedMode(degraded)
	detector := deadrun.New(cfg.DeadRunDetection, st, clk, pool, gw, bus)
	detector.Start(ctx)

	scanner := runtimepool.NewScanner(pool)
	scanner.Start(ctx, cfg.HeartbeatInterval())
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatFreshness())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reported := collectReportedRunState(ctx, st, gw)
				orphaned, flagged, err := scanner.ReconcileOrphans(ctx, reported)
				if err != nil {
					log.Printf("[ORCHESTRATOR] ⚠️ orphan reconciliation failed: %v", err)
					continue
				}
				if len(orphaned) > 0 || len(flagged) > 0 {
					log.Printf("[ORCHESTRATOR] orphan reconciliation: %d orphaned runtimes, %d runs flagged for dead-run handling", len(orphaned), len(flagged))
				}
			}
		}
	}()

	nodeID := "node-" + generateNodeID()
	elector := coordination.NewLeaderElector(coordinator, st, ids, nodeID, 30*time.Second)
	janitor := coordination.NewLockJanitor(coordinator, st, 60*time.Second)
	janitor.Start(ctx)

	storeWriter := &resilience.StoreWriter{Store: st}
	reconciler := resilience.NewReconciliationCoordinator(degraded, storeWriter, func() (*resilience.LeaderEpoch, error) {
		state := elector.GetState()
		return &resilience.LeaderEpoch{Epoch: state.CurrentEpoch, LeaderID: state.OwnerID, StartTime: time.Now()}, nil
	}, nodeID)
	go reconciler.StartPeriodicReconciliation(ctx, 30*time.Second)

	elector.SetCallbacks(
		func(leaderCtx context.Context) {
			log.Printf("[ORCHESTRATOR] elected leader, starting scheduler")
			state := elector.GetState()
			reconciler.UpdateLeadershipStatus(state.CurrentEpoch, state.OwnerID, true)
			sched.Start(leaderCtx)
		},
		func() {
			log.Printf("[ORCHESTRATOR] lost leadership")
			state := elector.GetState()
			reconciler.UpdateLeadershipStatus(state.CurrentEpoch, state.OwnerID, false)
		},
	)
	elector.Start(ctx)

	idemStore := idempotency.NewStore(idemBackend)

	workHandlers := map[model.BackgroundWorkKind]backgroundwork.WorkFunc{
		model.KindOther: func(ctx context.Context, report backgroundwork.ProgressReporter) error {
			report.Report(100, "no-op work item completed")
			return nil
		},
	}

	a := api.New(sched, bg, idemStore, workHandlers, bus)
	hub := ws.NewHub(bus)
	go func() {
		<-ctx.Done()
		hub.Shutdown(context.Background())
	}()

	mux := a.Mux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/events/stream", hub.ServeHTTP)

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	fmt.Println("==================================================")
	fmt.Println("orchestrator-core control plane starting")
	fmt.Println("==================================================")
	fmt.Printf("Max global concurrent runs: %d\n", cfg.MaxGlobalConcurrentRuns)
	fmt.Printf("Scheduler interval:         %ds\n", cfg.SchedulerIntervalSeconds)
	fmt.Printf("Background workers:        %d\n", cfg.BackgroundWorkerCount)
	fmt.Printf("Listening on:              %s\n", addr)
	fmt.Println("==================================================")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[ORCHESTRATOR] shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ORCHESTRATOR] graceful shutdown failed: %v", err)
	}
}
