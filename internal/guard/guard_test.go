//go:build unit

package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/netguard/internal/metrics"
	"github.com/alexandremahdhaoui/netguard/internal/state"
	"github.com/alexandremahdhaoui/netguard/internal/util/fakes/netlinkfake"
	"github.com/alexandremahdhaoui/netguard/internal/util/fakes/registryfake"
	"github.com/alexandremahdhaoui/netguard/pkg/network"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	mu      sync.Mutex
	targets []string
	err     error
	panics  bool
}

func (p *fakeProber) Probe(_ context.Context, target net.IP) error {
	if p.panics {
		panic("probe exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, target.String())
	return p.err
}

func (p *fakeProber) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

// fakeServices simulates the manager bringing its networks up during start.
type fakeServices struct {
	calls   []string
	onStart func(ctx context.Context) error
}

func (s *fakeServices) Start(ctx context.Context, unit string) error {
	s.calls = append(s.calls, unit)
	if s.onStart == nil {
		return nil
	}
	return s.onStart(ctx)
}

type fixture struct {
	nl       *netlinkfake.Fake
	registry *registryfake.Fake
	prober   *fakeProber
	services *fakeServices
	store    *state.MemoryStore
}

func newFixture() *fixture {
	nl := netlinkfake.New()
	nl.AddDevice("eth0", "192.168.1.10/24")
	nl.AddDefaultRoute("eth0", "192.168.1.1")

	return &fixture{
		nl:       nl,
		registry: registryfake.New(),
		prober:   &fakeProber{},
		services: &fakeServices{},
		store:    state.NewMemoryStore(""),
	}
}

func (f *fixture) guard(config Config, locker Locker, rec *metrics.Recorder) *Guard {
	if config.ManagerUnit == "" {
		config.ManagerUnit = "libvirtd.service"
	}
	if config.WatchInterval == 0 {
		config.WatchInterval = 10 * time.Millisecond
	}
	return New(config, Dependencies{
		Netlinker: f.nl,
		Store:     f.store,
		Registry:  f.registry,
		Prober:    f.prober,
		Services:  f.services,
		Locker:    locker,
		Metrics:   rec,
	}, discardLogger())
}

func TestRunInteractive(t *testing.T) {
	t.Run("manager creates a colliding network", func(t *testing.T) {
		f := newFixture()
		f.services.onStart = func(context.Context) error {
			f.nl.AddBridge("net-x", "192.168.1.50/24")
			f.registry.Define("net-x", "net-x", "192.168.1.50")
			return nil
		}

		g := f.guard(Config{SettleWindow: 50 * time.Millisecond}, nil, nil)
		s, err := g.RunInteractive(context.Background())
		require.NoError(t, err)

		assert.Equal(t, StateDone, s.State)
		assert.Equal(t, []string{"libvirtd.service"}, f.services.calls)
		assert.False(t, f.nl.HasLink("net-x"))
		assert.False(t, f.registry.Has("net-x"))
		assert.Equal(t, []string{"net-x"}, s.Reconcile.Deleted)
		assert.Contains(t, s.Deleted(), "net-x")

		assert.Empty(t, f.nl.RouteAdds)
		assert.False(t, s.RouteRestored)
		assert.Len(t, f.nl.Routes(), 1)
		assert.Equal(t, []string{"192.168.1.1"}, f.prober.Targets())

		stored, err := f.store.Get()
		require.NoError(t, err)
		assert.Equal(t, "eth0", stored)
	})

	t.Run("watcher removes the bridge while the manager is starting", func(t *testing.T) {
		f := newFixture()
		f.services.onStart = func(context.Context) error {
			f.nl.AddBridge("virbr0", "192.168.1.1/24")
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if !f.nl.HasLink("virbr0") {
					return nil
				}
				time.Sleep(5 * time.Millisecond)
			}
			return errors.New("bridge still present")
		}

		g := f.guard(Config{BridgePattern: "virbr*"}, nil, nil)
		_, err := g.RunInteractive(context.Background())
		require.NoError(t, err)
		assert.False(t, f.nl.HasLink("virbr0"))
	})

	t.Run("non colliding bridges are kept", func(t *testing.T) {
		f := newFixture()
		f.nl.AddBridge("virbr1", "10.0.0.1/24")
		f.registry.Define("other", "virbr1", "10.0.0.1")

		s, err := f.guard(Config{}, nil, nil).RunInteractive(context.Background())
		require.NoError(t, err)
		assert.True(t, f.nl.HasLink("virbr1"))
		assert.True(t, f.registry.Has("other"))
		assert.Empty(t, s.Deleted())
		assert.Empty(t, f.nl.Deletes())
	})

	t.Run("undeterminable host aborts before starting the manager", func(t *testing.T) {
		f := newFixture()
		f.nl.FlushRoutes()

		s, err := f.guard(Config{}, nil, nil).RunInteractive(context.Background())
		assert.True(t, errors.Is(err, network.ErrUndeterminableHost))
		assert.Equal(t, StateAborted, s.State)
		assert.Empty(t, f.services.calls)
	})

	t.Run("manager start failure", func(t *testing.T) {
		f := newFixture()
		f.services.onStart = func(context.Context) error { return errors.New("unit failed") }

		s, err := f.guard(Config{}, nil, nil).RunInteractive(context.Background())
		assert.True(t, errors.Is(err, ErrManagerStart))
		assert.Equal(t, StateDone, s.State)
		assert.Equal(t, []string{"192.168.1.1"}, f.prober.Targets())
	})

	t.Run("route lost before a failed manager start is restored", func(t *testing.T) {
		f := newFixture()
		f.registry.Define("net-x", "net-x", "192.168.1.50")
		f.services.onStart = func(context.Context) error {
			f.nl.FlushRoutes()
			f.nl.AddBridge("net-x", "192.168.1.50/24")
			return errors.New("start job timed out")
		}

		s, err := f.guard(Config{}, nil, nil).RunInteractive(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrManagerStart))
		assert.False(t, errors.Is(err, network.ErrConnectivityVerification))
		assert.Equal(t, StateDone, s.State)

		assert.Len(t, f.nl.RouteAdds, 1)
		assert.True(t, s.RouteRestored)
		require.Len(t, f.nl.Routes(), 1)
		assert.True(t, f.nl.Routes()[0].Gw.Equal(net.ParseIP("192.168.1.1")))
		assert.Len(t, f.prober.Targets(), 1)

		// The bridge is swept, the registry is not reconciled.
		assert.False(t, f.nl.HasLink("net-x"))
		assert.True(t, f.registry.Has("net-x"))
	})

	t.Run("failed manager start joins the connectivity error", func(t *testing.T) {
		f := newFixture()
		f.prober.err = errors.New("timeout")
		f.services.onStart = func(context.Context) error { return errors.New("start job timed out") }

		_, err := f.guard(Config{}, nil, nil).RunInteractive(context.Background())
		assert.True(t, errors.Is(err, ErrManagerStart))
		assert.True(t, errors.Is(err, network.ErrConnectivityVerification))
	})

	t.Run("cancellation during the settle window still restores the route", func(t *testing.T) {
		f := newFixture()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.services.onStart = func(context.Context) error {
			f.nl.FlushRoutes()
			cancel()
			return nil
		}

		s, err := f.guard(Config{SettleWindow: time.Hour}, nil, nil).RunInteractive(ctx)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, StateDone, s.State)
		assert.Len(t, f.nl.RouteAdds, 1)
		assert.True(t, s.RouteRestored)
		assert.Len(t, f.prober.Targets(), 1)
	})

	t.Run("unreachable gateway", func(t *testing.T) {
		f := newFixture()
		f.prober.err = errors.New("timeout")

		s, err := f.guard(Config{}, nil, nil).RunInteractive(context.Background())
		assert.True(t, errors.Is(err, network.ErrConnectivityVerification))
		assert.Equal(t, StateDone, s.State)
	})

	t.Run("lost route is re-added once", func(t *testing.T) {
		f := newFixture()
		f.services.onStart = func(context.Context) error {
			f.nl.FlushRoutes()
			return nil
		}

		s, err := f.guard(Config{}, nil, nil).RunInteractive(context.Background())
		require.NoError(t, err)
		assert.True(t, s.RouteRestored)
		assert.Len(t, f.nl.RouteAdds, 1)
		assert.Len(t, f.prober.Targets(), 1)
	})

	t.Run("waits for a concurrent session", func(t *testing.T) {
		f := newFixture()
		path := filepath.Join(t.TempDir(), "netguard.lock")
		held, err := NewFileLocker(path).TryLock()
		require.NoError(t, err)
		defer held()

		g := f.guard(Config{LockTimeout: 250 * time.Millisecond}, NewFileLocker(path), nil)
		_, err = g.RunInteractive(context.Background())
		assert.True(t, errors.Is(err, ErrSessionLocked))
		assert.Empty(t, f.services.calls)
	})
}

func TestRunUnattended(t *testing.T) {
	t.Run("resolves pre-existing conflicts", func(t *testing.T) {
		f := newFixture()
		f.nl.AddBridge("virbr0", "192.168.1.1/24")
		f.nl.AddBridge("virbr1", "10.0.0.1/24")
		f.registry.Define("default", "virbr0", "192.168.1.1")

		path := filepath.Join(t.TempDir(), "netguard.prom")
		rec := metrics.New(path, string(ModeUnattended))

		s := f.guard(Config{}, nil, rec).RunUnattended(context.Background())
		require.NoError(t, s.Err)
		assert.Equal(t, StateDone, s.State)
		assert.Equal(t, []string{"virbr0"}, s.Deleted())
		assert.True(t, f.nl.HasLink("virbr1"))
		assert.False(t, f.registry.Has("default"))
		assert.Empty(t, f.services.calls)

		_, err := os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("never fails on an undeterminable host", func(t *testing.T) {
		f := newFixture()
		f.nl.FlushRoutes()

		s := f.guard(Config{}, nil, nil).RunUnattended(context.Background())
		assert.True(t, errors.Is(s.Err, network.ErrUndeterminableHost))
		assert.Equal(t, StateAborted, s.State)
	})

	t.Run("uses the persisted interface without a default route", func(t *testing.T) {
		f := newFixture()
		f.nl.FlushRoutes()
		require.NoError(t, f.store.Set("eth0"))
		f.nl.AddBridge("virbr0", "192.168.1.1/24")

		s := f.guard(Config{}, nil, nil).RunUnattended(context.Background())
		require.NotNil(t, s.Host)
		assert.True(t, s.Host.Fallback)
		assert.True(t, f.nl.HasLink("virbr0"))
		assert.Empty(t, f.nl.RouteAdds)
		assert.True(t, errors.Is(s.Err, network.ErrConnectivityVerification))
	})

	t.Run("registry failure is not fatal", func(t *testing.T) {
		f := newFixture()
		f.registry.ListErr = errors.New("libvirtd down")

		s := f.guard(Config{}, nil, nil).RunUnattended(context.Background())
		assert.NoError(t, s.Err)
		assert.True(t, errors.Is(s.Reconcile.Err, ErrManagerReconcile))
		assert.Equal(t, StateDone, s.State)
	})

	t.Run("recovers from a panic", func(t *testing.T) {
		f := newFixture()
		f.prober.panics = true

		var s *Session
		assert.NotPanics(t, func() {
			s = f.guard(Config{}, nil, nil).RunUnattended(context.Background())
		})
		require.NotNil(t, s)
		assert.Error(t, s.Err)
		assert.Equal(t, StateAborted, s.State)
	})

	t.Run("skips when another session holds the lock", func(t *testing.T) {
		f := newFixture()
		f.nl.AddBridge("virbr0", "192.168.1.1/24")
		path := filepath.Join(t.TempDir(), "netguard.lock")
		held, err := NewFileLocker(path).TryLock()
		require.NoError(t, err)
		defer held()

		s := f.guard(Config{}, NewFileLocker(path), nil).RunUnattended(context.Background())
		assert.True(t, errors.Is(s.Err, ErrSessionLocked))
		assert.True(t, f.nl.HasLink("virbr0"))
	})
}

func TestConflicts(t *testing.T) {
	f := newFixture()
	f.nl.AddBridge("virbr0", "192.168.1.1/24")
	f.nl.AddBridge("virbr1", "10.0.0.1/24")

	host, conflicts, err := f.guard(Config{}, nil, nil).Conflicts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1", host.Prefix)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "virbr0", conflicts[0].Bridge)
	assert.True(t, f.nl.HasLink("virbr0"))
}
