/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package guard runs netguard sessions: snapshot the host network, remove
// colliding bridges, reconcile the manager's definitions and verify the
// default route.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/alexandremahdhaoui/netguard/internal/metrics"
	"github.com/alexandremahdhaoui/netguard/pkg/network"
)

// Mode tells which entry point runs a session.
type Mode string

const (
	ModeUnattended  Mode = "post-start"
	ModeInteractive Mode = "safe-start"
)

// State is a guard session state.
type State string

const (
	StateIdle             State = "IDLE"
	StateSnapshotCaptured State = "SNAPSHOT_CAPTURED"
	StateScan             State = "SCAN"
	StateResolve          State = "RESOLVE"
	StateReconciled       State = "RECONCILED"
	StateRouteVerified    State = "ROUTE_VERIFIED"
	StateDone             State = "DONE"
	StateAborted          State = "ABORTED"
)

// ServiceStarter starts a systemd unit and returns once it reports ready.
type ServiceStarter interface {
	Start(ctx context.Context, unit string) error
}

// Config tunes a Guard.
type Config struct {
	// BridgePattern narrows the watcher's fast path, e.g. "virbr*".
	BridgePattern string
	WatchInterval time.Duration
	WatchEvents   bool
	// ManagerUnit is the systemd unit started by the interactive path.
	ManagerUnit string
	// StartupTimeout bounds the manager start.
	StartupTimeout time.Duration
	// SettleWindow keeps the watcher running after the manager reported
	// ready, since autostarted networks may still be coming up.
	SettleWindow time.Duration
	// LockTimeout bounds the wait for a concurrent session on the
	// interactive path.
	LockTimeout time.Duration
	// ProbeTimeout bounds the gateway reachability probe.
	ProbeTimeout time.Duration
}

// Dependencies are the collaborators of a Guard. Netlinker and Store are
// required; the others may be nil.
type Dependencies struct {
	Netlinker network.Netlinker
	Store     network.InterfaceStore
	Registry  Registry
	Prober    network.Prober
	Services  ServiceStarter
	Locker    Locker
	Metrics   *metrics.Recorder
	Clock     clock.Clock
}

// Session is the record of one guard run.
type Session struct {
	ID            string
	Mode          Mode
	State         State
	Host          *network.HostNetworkState
	Resolutions   []network.Resolution
	Reconcile     ReconcileReport
	RouteRestored bool
	Err           error

	mu sync.Mutex
}

func (s *Session) addResolution(res network.Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resolutions = append(s.Resolutions, res)
}

// Deleted returns the bridges this session removed from the kernel.
func (s *Session) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.Resolutions {
		if r.Outcome == network.OutcomeApplied {
			out = append(out, r.Conflict.Bridge)
		}
	}
	return out
}

// Guard runs guard sessions.
type Guard struct {
	config Config
	deps   Dependencies

	snapshotter *network.Snapshotter
	scanner     *network.Scanner
	resolver    *network.Resolver
	reconciler  *Reconciler
	restorer    *network.RouteRestorer
	logger      *slog.Logger
}

// New creates a Guard.
func New(config Config, deps Dependencies, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Locker == nil {
		deps.Locker = nopLocker{}
	}
	if config.WatchInterval <= 0 {
		config.WatchInterval = DefaultWatchInterval
	}

	return &Guard{
		config:      config,
		deps:        deps,
		snapshotter: network.NewSnapshotter(deps.Netlinker, deps.Store, deps.Clock, logger),
		scanner:     network.NewScanner(deps.Netlinker, logger),
		resolver:    network.NewResolver(deps.Netlinker, logger),
		reconciler:  NewReconciler(deps.Registry, logger),
		restorer:    network.NewRouteRestorer(deps.Netlinker, deps.Prober, config.ProbeTimeout, logger),
		logger:      logger,
	}
}

func (g *Guard) newSession(mode Mode) (*Session, *slog.Logger) {
	s := &Session{ID: uuid.NewString(), Mode: mode, State: StateIdle}
	return s, g.logger.With("session", s.ID, "mode", string(mode))
}

func (g *Guard) transition(s *Session, logger *slog.Logger, to State) {
	logger.Debug("session state", "from", string(s.State), "to", string(to))
	s.State = to
}

func (g *Guard) finish(s *Session, logger *slog.Logger) {
	g.deps.Metrics.ObserveSession(g.deps.Clock.Now(), s.Err == nil && s.State == StateDone)
	if err := g.deps.Metrics.Flush(); err != nil {
		logger.Warn("failed to write metrics", "error", err)
	}
	if errors.Is(s.Err, ErrSessionLocked) && s.Mode == ModeUnattended {
		logger.Info("another session is guarding the host, skipping", "error", s.Err)
		return
	}
	if s.Err != nil {
		logger.Error("guard session finished with error", "state", string(s.State), "error", s.Err)
		return
	}
	logger.Info("guard session finished", "state", string(s.State), "deleted", s.Deleted(),
		"definitionsDeleted", s.Reconcile.Deleted, "routeRestored", s.RouteRestored)
}

// RunUnattended is the post-start hook: one scan/resolve pass, reconcile and
// route verification. It never returns an error; failures are logged and
// recorded in the session so that the manager startup is never blocked.
func (g *Guard) RunUnattended(ctx context.Context) (session *Session) {
	s, logger := g.newSession(ModeUnattended)
	logger.Info("guard session started")

	defer func() {
		if r := recover(); r != nil {
			s.Err = fmt.Errorf("guard panic: %v", r)
			s.State = StateAborted
		}
		g.finish(s, logger)
		session = s
	}()

	unlock, err := g.deps.Locker.TryLock()
	if err != nil {
		s.Err = err
		g.transition(s, logger, StateAborted)
		return s
	}
	defer unlock()

	host, err := g.snapshotter.Capture(ctx)
	if err != nil {
		s.Err = err
		g.transition(s, logger, StateAborted)
		return s
	}
	s.Host = host
	g.transition(s, logger, StateSnapshotCaptured)
	logger.Info("host network captured", "host", host)

	g.sweep(ctx, s, logger)
	g.reconcileAndVerify(ctx, s, logger)

	return s
}

// RunInteractive is the safe-start path. It captures the host network,
// starts the watcher, starts the manager, stops the watcher, sweeps,
// reconciles and verifies connectivity. It returns
// network.ErrUndeterminableHost before the manager is started when there is
// no baseline, and network.ErrConnectivityVerification when the host lost
// connectivity. When the manager fails to start or ctx is cancelled during
// the settle window, the sweep and route verification still run and the
// returned error joins ErrManagerStart (or the context error) with any
// connectivity failure.
func (g *Guard) RunInteractive(ctx context.Context) (*Session, error) {
	s, logger := g.newSession(ModeInteractive)
	logger.Info("guard session started", "unit", g.config.ManagerUnit)
	defer g.finish(s, logger)

	lockCtx, cancelLock := context.WithTimeout(ctx, g.lockTimeout())
	unlock, err := g.deps.Locker.Lock(lockCtx)
	cancelLock()
	if err != nil {
		s.Err = err
		g.transition(s, logger, StateAborted)
		return s, err
	}
	defer unlock()

	host, err := g.snapshotter.Capture(ctx)
	if err != nil {
		s.Err = err
		g.transition(s, logger, StateAborted)
		return s, err
	}
	s.Host = host
	g.transition(s, logger, StateSnapshotCaptured)
	logger.Info("host network captured", "host", host)
	if !host.HasPrefix() {
		logger.Warn("host prefix unknown, conflicts cannot be detected during startup")
	}

	if err := g.startManagerGuarded(ctx, s, logger); err != nil {
		logger.Error("manager startup did not complete, verifying the host anyway", "error", err)
		// The registry is left alone, but bridges created before the failure
		// and a route lost while the watcher ran are still handled.
		cleanupCtx := context.WithoutCancel(ctx)
		g.sweep(cleanupCtx, s, logger)
		g.verify(cleanupCtx, s, logger)
		s.Err = errors.Join(err, s.Err)
		return s, s.Err
	}

	g.sweep(ctx, s, logger)
	g.reconcileAndVerify(ctx, s, logger)

	return s, s.Err
}

// startManagerGuarded starts the manager while the watcher runs. The watcher
// is stopped on every return path.
func (g *Guard) startManagerGuarded(ctx context.Context, s *Session, logger *slog.Logger) error {
	watcher := NewWatcher(g.deps.Netlinker, s.Host, WatcherConfig{
		Interval: g.config.WatchInterval,
		Pattern:  g.config.BridgePattern,
		Events:   g.config.WatchEvents,
	}, g.observe(s), logger)

	stop := watcher.Start(ctx)
	defer stop()
	g.transition(s, logger, StateScan)

	if g.deps.Services != nil && g.config.ManagerUnit != "" {
		startCtx := ctx
		if g.config.StartupTimeout > 0 {
			var cancel context.CancelFunc
			startCtx, cancel = context.WithTimeout(ctx, g.config.StartupTimeout)
			defer cancel()
		}

		logger.Info("starting manager", "unit", g.config.ManagerUnit)
		if err := g.deps.Services.Start(startCtx, g.config.ManagerUnit); err != nil {
			return fmt.Errorf("%w %s: %v", ErrManagerStart, g.config.ManagerUnit, err)
		}
		logger.Info("manager reported ready", "unit", g.config.ManagerUnit)
	}

	if g.config.SettleWindow > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.deps.Clock.After(g.config.SettleWindow):
		}
	}

	stop()
	logger.Debug("watcher finished", "cycles", watcher.Cycles())
	return nil
}

// sweep runs one full scan/resolve pass.
func (g *Guard) sweep(ctx context.Context, s *Session, logger *slog.Logger) {
	g.transition(s, logger, StateScan)
	bridges, err := g.scanner.Scan(ctx, "")
	if err != nil {
		logger.Error("bridge scan failed", "error", err)
		return
	}
	logger.Debug("bridges scanned", "count", len(bridges))

	g.transition(s, logger, StateResolve)
	observe := g.observe(s)
	for _, res := range g.resolver.Resolve(ctx, s.Host, bridges) {
		observe(res)
	}
}

func (g *Guard) reconcileAndVerify(ctx context.Context, s *Session, logger *slog.Logger) {
	s.Reconcile = g.reconciler.Reconcile(ctx, s.Host)
	g.deps.Metrics.ObserveDefinitionsDeleted(len(s.Reconcile.Deleted))
	g.transition(s, logger, StateReconciled)
	g.verify(ctx, s, logger)
}

// verify gives a lost default route its single re-insertion and checks
// reachability. The session ends in DONE either way.
func (g *Guard) verify(ctx context.Context, s *Session, logger *slog.Logger) {
	restored, err := g.restorer.Restore(ctx, s.Host)
	s.RouteRestored = restored
	if restored {
		g.deps.Metrics.ObserveRouteRestored()
	}
	if err != nil {
		s.Err = err
		g.transition(s, logger, StateDone)
		return
	}
	g.transition(s, logger, StateRouteVerified)
	g.transition(s, logger, StateDone)
}

func (g *Guard) observe(s *Session) func(network.Resolution) {
	return func(res network.Resolution) {
		s.addResolution(res)
		g.deps.Metrics.ObserveResolution(res)
	}
}

func (g *Guard) lockTimeout() time.Duration {
	if g.config.LockTimeout > 0 {
		return g.config.LockTimeout
	}
	return 30 * time.Second
}

// Conflicts captures the host network and returns the current conflicts
// without changing anything.
func (g *Guard) Conflicts(ctx context.Context) (*network.HostNetworkState, []network.ConflictRecord, error) {
	host, err := g.snapshotter.Capture(ctx)
	if err != nil {
		return nil, nil, err
	}
	bridges, err := g.scanner.Scan(ctx, "")
	if err != nil {
		return host, nil, err
	}
	return host, network.FindConflicts(host, bridges), nil
}
