// Package collector wires the monitors, the policy client and the flow
// manager together and drives them on their configured cadences.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flstack/netplane/internal/config"
	"github.com/flstack/netplane/internal/flowmanager"
	"github.com/flstack/netplane/internal/monitor"
	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
	"github.com/flstack/netplane/internal/selfmetrics"
	"github.com/flstack/netplane/internal/storage"
)

// ErrStartupDenied is returned when the Policy Engine denies collection in
// strict mode.
var ErrStartupDenied = errors.New("policy engine denied collector startup")

// jobTimeout bounds a single collection pass regardless of its interval.
const jobTimeout = 30 * time.Second

// flStopTimeout bounds the FL monitor drain on shutdown.
const flStopTimeout = 10 * time.Second

// job is one periodically collected source.
type job interface {
	Name() string
	Collect(ctx context.Context) error
}

// Scheduler owns the monitors and runs them until its context is canceled.
type Scheduler struct {
	cfg     *config.Config
	store   *storage.Store
	metrics *selfmetrics.Metrics
	logger  *slog.Logger

	pe *policyclient.Client

	Network *monitor.NetworkMonitor
	Policy  *monitor.PolicyMonitor
	Events  *monitor.EventMonitor
	FL      *monitor.FLMonitor
	Flows   *flowmanager.Manager

	wg sync.WaitGroup
}

// New builds the full collection graph: monitors, flow manager, and the
// policy-change wiring between the engine client and the flow manager.
func New(cfg *config.Config, store *storage.Store, fl *monitor.FLClient, pe *policyclient.Client, sdn *sdnclient.Client, metrics *selfmetrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "collector")

	network := monitor.NewNetworkMonitor(sdn, store, logger)
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		logger:  log,
		pe:      pe,
		Network: network,
		Policy:  monitor.NewPolicyMonitor(pe, store, logger),
		Events:  monitor.NewEventMonitor(fl, pe, sdn, network, store, metrics, logger),
		FL:      monitor.NewFLMonitor(fl, store, cfg.FLInterval(), cfg.DevMode(), logger),
		Flows:   flowmanager.New(sdn, cfg, store, metrics, logger),
	}

	// Flow rules follow the engine: every policy-set change recompiles, and
	// connectivity transitions drive fallback entry and recovery.
	pe.OnPolicyChange(s.Flows.OnPolicyChange)
	pe.OnConnectionChange(s.Flows.OnConnectionChange)
	return s
}

// Gate asks the Policy Engine whether this collector may run. A denial is
// fatal only in strict mode; an unreachable engine is fatal in strict mode
// too, since the deployment asked for an explicit approval.
func (s *Scheduler) Gate(ctx context.Context) error {
	if !s.cfg.Policy.CheckEnabled {
		s.logger.Info("startup policy check disabled")
		return nil
	}

	decision, err := s.pe.CheckComponent(ctx, "collector", "collect_metrics")
	if err != nil {
		if s.cfg.Policy.StrictPolicyMode {
			return fmt.Errorf("startup policy check failed: %w", err)
		}
		s.logger.Warn("startup policy check unavailable, continuing", "error", err)
		return nil
	}
	if !decision.Allowed {
		s.storeCollectorEvent("STARTUP_DENIED", storage.LevelWarning,
			"policy engine denied collect_metrics: "+decision.Reason, nil)
		if s.cfg.Policy.StrictPolicyMode {
			return fmt.Errorf("%w: %s", ErrStartupDenied, decision.Reason)
		}
		s.logger.Warn("collection denied by policy, continuing in permissive mode", "reason", decision.Reason)
		return nil
	}

	s.logger.Info("startup policy check passed")
	return nil
}

// Run blocks until ctx is canceled, then drains the monitors. The startup
// gate runs first; its error aborts before any job starts.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Gate(ctx); err != nil {
		return err
	}

	s.storeCollectorEvent("COLLECTOR_STARTED", storage.LevelInfo, "collection started", map[string]any{
		"policy_interval_sec":  s.cfg.Monitor.PolicyIntervalSec,
		"fl_interval_sec":      s.cfg.Monitor.FLIntervalSec,
		"network_interval_sec": s.cfg.Monitor.NetworkIntervalSec,
		"event_interval_sec":   s.cfg.Monitor.EventIntervalSec,
	})

	// The policy client loop feeds both the policy monitor (via stored
	// decisions) and the flow manager callbacks.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pe.Run(ctx, s.cfg.PolicyInterval())
	}()

	s.FL.Start()
	s.spawn(ctx, s.Network, s.cfg.NetworkInterval())
	s.spawn(ctx, s.Policy, s.cfg.PolicyInterval())
	s.spawn(ctx, s.Events, s.cfg.EventInterval())
	s.spawnCleanup(ctx)

	<-ctx.Done()

	flStopStart := time.Now()
	if !s.FL.Stop(flStopTimeout) {
		s.logger.Warn("fl monitor did not stop within timeout")
	}
	flStopDur := time.Since(flStopStart)

	joinStart := time.Now()
	s.wg.Wait()
	joinDur := time.Since(joinStart)

	s.storeCollectorEvent("COLLECTOR_STOPPED", storage.LevelInfo, "collection stopped", nil)
	s.logger.Info("collector stopped",
		"fl_stop_ms", flStopDur.Milliseconds(),
		"worker_join_ms", joinDur.Milliseconds(),
	)
	return nil
}

// spawn runs one collection job on its cadence: an immediate pass, then one
// per tick. Failures are logged and recorded; the loop never stops on error.
func (s *Scheduler) spawn(ctx context.Context, j job, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.collectOnce(ctx, j)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Scheduler) collectOnce(ctx context.Context, j job) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	started := time.Now()
	if err := j.Collect(jobCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("collection pass failed", "job", j.Name(), "error", err)
		durationMS := float64(time.Since(started).Microseconds()) / 1000
		s.storeCollectorEvent("COLLECTOR_ERROR", storage.LevelError, j.Name()+" pass failed", map[string]any{
			"job":         j.Name(),
			"error":       err.Error(),
			"duration_ms": durationMS,
		})
		s.store.StoreMetric("collector_error", map[string]any{
			"job":              j.Name(),
			"error":            err.Error(),
			"duration_ms":      durationMS,
			"source_component": storage.SourceCollector,
		})
	}
}

// spawnCleanup runs storage retention on the configured cadence.
func (s *Scheduler) spawnCleanup(ctx context.Context) {
	hours := s.cfg.Storage.CleanupIntervalHours
	if hours <= 0 {
		hours = 6
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Duration(hours) * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.Cleanup(); err != nil {
					s.logger.Warn("storage cleanup failed", "error", err)
				}
			}
		}
	}()
}

func (s *Scheduler) storeCollectorEvent(eventType, level, message string, details map[string]any) {
	s.store.StoreEvent(storage.Event{
		SourceComponent: storage.SourceCollector,
		EventType:       eventType,
		EventLevel:      level,
		Message:         message,
		Details:         details,
	})
}
