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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/alexandremahdhaoui/netguard/internal/guard"
	"github.com/alexandremahdhaoui/netguard/internal/installer"
	"github.com/alexandremahdhaoui/netguard/internal/metrics"
	"github.com/alexandremahdhaoui/netguard/internal/service"
	"github.com/alexandremahdhaoui/netguard/internal/state"
	"github.com/alexandremahdhaoui/netguard/internal/util/logging"
	"github.com/alexandremahdhaoui/netguard/pkg/execcontext"
	"github.com/alexandremahdhaoui/netguard/pkg/network"
)

const (
	Name = "netguard"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// Exit codes of the interactive commands.
const (
	exitOK = iota
	exitError
	exitUndeterminableHost
	exitConnectivity
	exitLocked
)

const usage = `Usage: netguard <command>

Commands:
  safe-start   Start the virtualization manager while guarding the host network
  post-start   Remove conflicting bridges after the manager started (always exits 0)
  install      Register post-start as the manager's ExecStartPost hook
  uninstall    Remove the post-start hook
  scan         Report bridges colliding with the host network, change nothing
  version      Print the version

Environment Variables:
  NETGUARD_CONFIG_PATH  Config file (default: /etc/netguard/config.yaml)
  NETGUARD_*            Override any config field, e.g. NETGUARD_LOG_LEVEL=debug

Exit codes (safe-start):
  1  other failure
  2  host network could not be determined, the manager was not started
  3  host connectivity could not be verified
  4  another netguard session is running
`

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprint(stderr, usage)
		return exitError
	}

	command := args[0]
	switch command {
	case "-h", "--help", "help":
		_, _ = fmt.Fprint(stdout, usage)
		return exitOK
	case "version":
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
		return exitOK
	case "post-start":
		return cmdPostStart(ctx, stderr)
	case "safe-start", "install", "uninstall", "scan":
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown command '%s'\n", command)
		_, _ = fmt.Fprint(stderr, usage)
		return exitError
	}

	config, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: loading configuration: %v\n", err)
		return exitError
	}

	logger, closeLog, err := logging.Setup(logging.Options{
		Level:    logging.ParseLevel(config.LogLevel),
		FilePath: config.LogFile,
		Terminal: stderr,
	})
	defer func() { _ = closeLog() }()
	if err != nil {
		logger.Warn("guard log file unavailable, logging to terminal only", "path", config.LogFile, "error", err)
	}

	switch command {
	case "safe-start":
		return cmdSafeStart(ctx, config, logger, stdout)
	case "install":
		return cmdInstall(ctx, config, logger, stdout)
	case "uninstall":
		return cmdUninstall(ctx, config, logger, stdout)
	default:
		return cmdScan(ctx, config, logger, stdout)
	}
}

// --------------------------------------------- Commands ------------------------------------------------------------ //

func cmdSafeStart(ctx context.Context, config *Config, logger *slog.Logger, stdout io.Writer) int {
	registry := network.NewLibvirtNetworkManagerForURI(config.LibvirtURI)
	defer func() { _ = registry.Close() }()

	g := newGuard(config, guard.ModeInteractive, registry, logger)
	session, err := g.RunInteractive(ctx)

	printSession(stdout, session)
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "Error: %v\n", err)
	}
	return exitCodeFor(err)
}

// cmdPostStart runs as the manager's ExecStartPost hook. Whatever happens,
// including a broken config, it exits 0.
func cmdPostStart(ctx context.Context, stderr io.Writer) (code int) {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(stderr, "netguard post-start: recovered from panic: %v\n", r)
		}
		code = exitOK
	}()

	config, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "netguard post-start: using defaults: %v\n", err)
		config = fallbackConfig()
	}

	logger, closeLog, err := logging.Setup(logging.Options{
		Level:    logging.ParseLevel(config.LogLevel),
		FilePath: config.LogFile,
	})
	defer func() { _ = closeLog() }()
	if err != nil {
		logger.Warn("guard log file unavailable", "path", config.LogFile, "error", err)
	}

	registry := network.NewLibvirtNetworkManagerForURI(config.LibvirtURI)
	defer func() { _ = registry.Close() }()

	newGuard(config, guard.ModeUnattended, registry, logger).RunUnattended(ctx)
	return exitOK
}

func cmdInstall(ctx context.Context, config *Config, logger *slog.Logger, stdout io.Writer) int {
	inst, err := newInstaller(config, logger)
	if err != nil {
		logger.Error("resolving netguard binary", "error", err)
		return exitError
	}

	path, err := inst.Install(ctx)
	if err != nil {
		logger.Error("installing post-start hook", "error", err)
		return exitError
	}
	_, _ = fmt.Fprintln(stdout, path)
	return exitOK
}

func cmdUninstall(ctx context.Context, config *Config, logger *slog.Logger, stdout io.Writer) int {
	inst, err := newInstaller(config, logger)
	if err != nil {
		logger.Error("resolving netguard binary", "error", err)
		return exitError
	}

	path, err := inst.Uninstall(ctx)
	if err != nil {
		logger.Error("removing post-start hook", "error", err)
		return exitError
	}
	_, _ = fmt.Fprintln(stdout, path)
	return exitOK
}

func cmdScan(ctx context.Context, config *Config, logger *slog.Logger, stdout io.Writer) int {
	nl := network.NewKernelNetlinker()
	g := guard.New(guardConfig(config), guard.Dependencies{
		Netlinker: nl,
		Store:     state.NewFileStore(config.StateFile),
	}, logger)

	host, conflicts, err := g.Conflicts(ctx)
	if err != nil {
		logger.Error("scanning bridges", "error", err)
		return exitCodeFor(err)
	}
	return printConflicts(stdout, host, conflicts)
}

// --------------------------------------------- Wiring -------------------------------------------------------------- //

func newGuard(config *Config, mode guard.Mode, registry guard.Registry, logger *slog.Logger) *guard.Guard {
	return guard.New(guardConfig(config), guard.Dependencies{
		Netlinker: network.NewKernelNetlinker(),
		Store:     state.NewFileStore(config.StateFile),
		Registry:  registry,
		Prober:    network.NewICMPProber(),
		Services:  service.NewSystemctl(execcontext.New(nil, config.SudoPrefix)),
		Locker:    guard.NewFileLocker(config.LockFile),
		Metrics:   metrics.New(config.MetricsTextfile, string(mode)),
	}, logger)
}

func guardConfig(config *Config) guard.Config {
	return guard.Config{
		BridgePattern:  config.BridgePattern,
		WatchInterval:  config.WatchInterval.Duration,
		WatchEvents:    config.WatchEvents,
		ManagerUnit:    config.ManagerUnit,
		StartupTimeout: config.StartupTimeout.Duration,
		SettleWindow:   config.SettleWindow.Duration,
		LockTimeout:    config.LockTimeout.Duration,
		ProbeTimeout:   config.ProbeTimeout.Duration,
	}
}

func newInstaller(config *Config, logger *slog.Logger) (*installer.Installer, error) {
	binary := config.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		binary = exe
	}

	return installer.New(installer.Config{
		SystemdDir: config.SystemdDir,
		Unit:       config.ManagerUnit,
		Binary:     binary,
	}, service.NewSystemctl(execcontext.New(nil, config.SudoPrefix)), logger), nil
}

// exitCodeFor maps a session error to the process exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, network.ErrUndeterminableHost):
		return exitUndeterminableHost
	case errors.Is(err, network.ErrConnectivityVerification):
		return exitConnectivity
	case errors.Is(err, guard.ErrSessionLocked):
		return exitLocked
	default:
		return exitError
	}
}

// --------------------------------------------- Output -------------------------------------------------------------- //

func printSession(w io.Writer, s *guard.Session) {
	if s == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Session:\t%s\n", s.ID)
	_, _ = fmt.Fprintf(tw, "State:\t%s\n", s.State)
	if s.Host != nil {
		_, _ = fmt.Fprintf(tw, "Host interface:\t%s\n", s.Host.Interface)
		_, _ = fmt.Fprintf(tw, "Host prefix:\t%s\n", displayPrefix(s.Host))
	}
	_, _ = fmt.Fprintf(tw, "Bridges deleted:\t%d\n", len(s.Deleted()))
	_, _ = fmt.Fprintf(tw, "Definitions deleted:\t%d\n", len(s.Reconcile.Deleted))
	_, _ = fmt.Fprintf(tw, "Route restored:\t%t\n", s.RouteRestored)
	_ = tw.Flush()
}

// printConflicts writes the conflict table and returns 1 if there is any.
func printConflicts(w io.Writer, host *network.HostNetworkState, conflicts []network.ConflictRecord) int {
	_, _ = fmt.Fprintf(w, "Host interface %s, prefix %s\n", host.Interface, displayPrefix(host))
	if len(conflicts) == 0 {
		_, _ = fmt.Fprintln(w, "No conflicting bridges.")
		return exitOK
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BRIDGE\tPREFIX")
	for _, c := range conflicts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", c.Bridge, c.Prefix)
	}
	_ = tw.Flush()
	return exitError
}

func displayPrefix(host *network.HostNetworkState) string {
	if host.HasPrefix() {
		return host.Prefix
	}
	return "unknown"
}
