// Package service drives systemd units through systemctl.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/netguard/pkg/execcontext"
)

var (
	ErrUnitRequired = errors.New("unit name is required")
	ErrStartUnit    = errors.New("failed to start unit")
	ErrReload       = errors.New("failed to reload systemd")
)

// Systemctl runs systemctl behind the configured exec context, so that a
// "sudo" prefix can be used by non-root operators.
type Systemctl struct {
	execCtx execcontext.Context
	binary  string
}

// NewSystemctl creates a Systemctl. A nil execCtx runs commands directly.
func NewSystemctl(execCtx execcontext.Context) *Systemctl {
	if execCtx == nil {
		execCtx = execcontext.New(nil, nil)
	}
	return &Systemctl{execCtx: execCtx, binary: "systemctl"}
}

// Start starts unit and returns once systemd reports it started. For
// Type=notify units such as libvirtd this is the daemon's ready signal.
func (s *Systemctl) Start(ctx context.Context, unit string) error {
	if unit == "" {
		return ErrUnitRequired
	}
	if _, err := execcontext.Run(ctx, s.execCtx, s.binary, "start", unit); err != nil {
		return fmt.Errorf("%w %s: %w", ErrStartUnit, unit, err)
	}
	return nil
}

// DaemonReload makes systemd re-read unit files and drop-ins. It does not
// restart any unit.
func (s *Systemctl) DaemonReload(ctx context.Context) error {
	if _, err := execcontext.Run(ctx, s.execCtx, s.binary, "daemon-reload"); err != nil {
		return fmt.Errorf("%w: %w", ErrReload, err)
	}
	return nil
}
