package guard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/alexandremahdhaoui/netguard/pkg/network"
)

// DefaultWatchInterval is the polling period of the watcher.
const DefaultWatchInterval = 100 * time.Millisecond

// WatcherConfig tunes a Watcher.
type WatcherConfig struct {
	// Interval between two scan/resolve cycles.
	Interval time.Duration
	// Pattern narrows the scan to matching bridge names. Empty scans all.
	Pattern string
	// Events additionally triggers a cycle on every new colliding address
	// reported by the kernel.
	Events bool
}

// Watcher runs scan/resolve cycles in the background for the duration of the
// manager startup window.
type Watcher struct {
	nl       network.Netlinker
	scanner  *network.Scanner
	resolver *network.Resolver
	host     *network.HostNetworkState
	config   WatcherConfig
	report   func(network.Resolution)
	logger   *slog.Logger

	running atomic.Int32
	cycles  atomic.Int64
}

// NewWatcher creates a Watcher guarding host. report, if not nil, is called
// for every resolution from the watcher goroutines.
func NewWatcher(
	nl network.Netlinker,
	host *network.HostNetworkState,
	config WatcherConfig,
	report func(network.Resolution),
	logger *slog.Logger,
) *Watcher {
	if config.Interval <= 0 {
		config.Interval = DefaultWatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		nl:       nl,
		scanner:  network.NewScanner(nl, logger),
		resolver: network.NewResolver(nl, logger),
		host:     host,
		config:   config,
		report:   report,
		logger:   logger,
	}
}

// Start launches the watcher and returns the function stopping it. stop
// cancels the watcher and waits for all of its goroutines; it is safe to call
// more than once and must be deferred by the owner.
func (w *Watcher) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	w.goTracked(g, func() error {
		wait.UntilWithContext(gctx, w.cycle, w.config.Interval)
		return nil
	})
	if w.config.Events {
		w.goTracked(g, func() error {
			w.watchEvents(gctx)
			return nil
		})
	}

	w.logger.Debug("watcher started", "interval", w.config.Interval, "pattern", w.config.Pattern, "events", w.config.Events)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = g.Wait()
			w.logger.Debug("watcher stopped", "cycles", w.cycles.Load())
		})
	}
}

// Running reports whether any watcher goroutine is still alive.
func (w *Watcher) Running() bool {
	return w.running.Load() > 0
}

// Cycles returns the number of completed scan/resolve cycles.
func (w *Watcher) Cycles() int64 {
	return w.cycles.Load()
}

func (w *Watcher) goTracked(g *errgroup.Group, fn func() error) {
	w.running.Add(1)
	g.Go(func() error {
		defer w.running.Add(-1)
		return fn()
	})
}

func (w *Watcher) cycle(ctx context.Context) {
	defer w.cycles.Add(1)

	bridges, err := w.scanner.Scan(ctx, w.config.Pattern)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Debug("watcher scan failed", "error", err)
		}
		return
	}

	for _, res := range w.resolver.Resolve(ctx, w.host, bridges) {
		if w.report != nil {
			w.report(res)
		}
	}
}

// watchEvents reacts to new IPv4 addresses in the host prefix as soon as the
// kernel reports them. Subscription failures leave polling in charge.
func (w *Watcher) watchEvents(ctx context.Context) {
	updates := make(chan netlink.AddrUpdate, 16)
	done := make(chan struct{})
	defer close(done)

	if err := w.nl.AddrSubscribe(updates, done); err != nil {
		w.logger.Warn("address subscription unavailable, polling only", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if !update.NewAddr || network.PrefixOf(update.LinkAddress.IP) != w.host.Prefix {
				continue
			}
			w.cycle(ctx)
		}
	}
}
