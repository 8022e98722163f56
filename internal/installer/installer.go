// Package installer registers the netguard post-start hook with systemd.
//
// The hook is a drop-in for the manager's unit:
//
//	/etc/systemd/system/libvirtd.service.d/10-netguard.conf
//	[Service]
//	ExecStartPost=-/usr/local/bin/netguard post-start
//
// The leading "-" makes systemd ignore the hook's exit status, so the guard
// can never fail the manager's own start.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/unit"
)

// DropInName is the file name of the drop-in.
const DropInName = "10-netguard.conf"

const header = "# Managed by netguard. Re-run \"netguard install\" to update.\n"

var (
	ErrBinaryRequired = errors.New("binary path is required")
	ErrUnitRequired   = errors.New("manager unit is required")
	ErrWriteDropIn    = errors.New("failed to write drop-in")
)

// Reloader makes systemd pick up changed drop-ins without restarting units.
type Reloader interface {
	DaemonReload(ctx context.Context) error
}

// Config configures an Installer.
type Config struct {
	// SystemdDir is the unit directory, usually /etc/systemd/system.
	SystemdDir string
	// Unit is the manager's unit, e.g. libvirtd.service.
	Unit string
	// Binary is the absolute path of the netguard executable.
	Binary string
}

// Installer writes and removes the post-start drop-in.
type Installer struct {
	config   Config
	reloader Reloader
	logger   *slog.Logger
}

// New creates an Installer. reloader may be nil, in which case systemd is
// not reloaded.
func New(config Config, reloader Reloader, logger *slog.Logger) *Installer {
	if config.SystemdDir == "" {
		config.SystemdDir = "/etc/systemd/system"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{config: config, reloader: reloader, logger: logger}
}

// Path returns the drop-in location.
func (i *Installer) Path() string {
	return filepath.Join(i.config.SystemdDir, i.config.Unit+".d", DropInName)
}

// Render returns the drop-in content.
func (i *Installer) Render() ([]byte, error) {
	if i.config.Binary == "" {
		return nil, ErrBinaryRequired
	}
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Service", "ExecStartPost", "-"+i.config.Binary+" post-start"),
	}
	body, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return nil, err
	}
	return append([]byte(header), body...), nil
}

// Install writes the drop-in, replacing any previous one, and reloads
// systemd. The hook takes effect on the manager's next start.
func (i *Installer) Install(ctx context.Context) (string, error) {
	if i.config.Unit == "" {
		return "", ErrUnitRequired
	}
	content, err := i.Render()
	if err != nil {
		return "", err
	}

	path := i.Path()
	if err := writeFileAtomic(path, content); err != nil {
		return "", fmt.Errorf("%w %s: %v", ErrWriteDropIn, path, err)
	}
	i.logger.Info("post-start hook installed", "path", path, "unit", i.config.Unit)

	if err := i.reload(ctx); err != nil {
		return path, err
	}
	return path, nil
}

// Uninstall removes the drop-in. A missing drop-in is not an error.
func (i *Installer) Uninstall(ctx context.Context) (string, error) {
	if i.config.Unit == "" {
		return "", ErrUnitRequired
	}
	path := i.Path()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		return path, fmt.Errorf("removing drop-in: %w", err)
	}
	// Only our drop-in lives there unless the operator added others.
	_ = os.Remove(filepath.Dir(path))
	i.logger.Info("post-start hook removed", "path", path)

	return path, i.reload(ctx)
}

func (i *Installer) reload(ctx context.Context) error {
	if i.reloader == nil {
		return nil
	}
	return i.reloader.DaemonReload(ctx)
}

func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
