package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/vishvananda/netlink"
)

var (
	ErrInvalidPattern  = errors.New("invalid bridge name pattern")
	ErrListLinks       = errors.New("failed to list links")
	ErrKernelOperation = errors.New("kernel operation failed")
)

// bridgeLinkType is the netlink link kind of a Linux bridge.
const bridgeLinkType = "bridge"

// BridgeInterface is a bridge found in the kernel interface table.
// Prefixes holds one entry per usable IPv4 address, in kernel order, and is
// empty when the bridge carries none.
type BridgeInterface struct {
	Name     string
	Index    int
	Prefixes []string
}

// HasPrefix reports whether any address of the bridge lies in prefix.
func (b BridgeInterface) HasPrefix(prefix string) bool {
	for _, p := range b.Prefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

// ConflictRecord names a bridge whose prefix collides with the host's.
type ConflictRecord struct {
	Bridge string
	Prefix string
}

// Outcome is the result of a single remediation step.
type Outcome int

const (
	// OutcomeApplied means the step changed state.
	OutcomeApplied Outcome = iota
	// OutcomeAlreadySatisfied means there was nothing left to do.
	OutcomeAlreadySatisfied
	// OutcomeFailed means the step was attempted and failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadySatisfied:
		return "already-satisfied"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Conflict ConflictRecord
	Outcome  Outcome
	Err      error
}

// ValidatePattern checks that pattern is a usable glob for Scan.
func ValidatePattern(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return nil
}

// Scanner enumerates bridges using local kernel queries only.
type Scanner struct {
	nl     Netlinker
	logger *slog.Logger
}

// NewScanner creates a Scanner. A nil logger selects the default logger.
func NewScanner(nl Netlinker, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{nl: nl, logger: logger}
}

// Scan lists bridge links whose name matches pattern, or all bridges when
// pattern is empty. Links that vanish mid-scan are skipped, and so are links
// whose addresses cannot be read.
func (s *Scanner) Scan(ctx context.Context, pattern string) ([]BridgeInterface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	links, err := s.nl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListLinks, err)
	}

	out := make([]BridgeInterface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || link.Type() != bridgeLinkType {
			continue
		}
		if pattern != "" {
			if ok, _ := path.Match(pattern, attrs.Name); !ok {
				continue
			}
		}

		addrs, err := s.nl.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			if !IsLinkGone(err) {
				s.logger.Warn("skipping bridge, failed to list addresses", "bridge", attrs.Name, "error", err)
			}
			continue
		}

		out = append(out, BridgeInterface{
			Name:     attrs.Name,
			Index:    attrs.Index,
			Prefixes: prefixes(addrs),
		})
	}

	return out, nil
}

// FindConflicts returns the bridges carrying any address in the host prefix,
// excluding the host interface itself.
func FindConflicts(host *HostNetworkState, bridges []BridgeInterface) []ConflictRecord {
	if !host.HasPrefix() {
		return nil
	}

	var out []ConflictRecord
	for _, b := range bridges {
		if b.Name == host.Interface {
			continue
		}
		if b.HasPrefix(host.Prefix) {
			out = append(out, ConflictRecord{Bridge: b.Name, Prefix: host.Prefix})
		}
	}
	return out
}

// Resolver removes conflicting bridges from the kernel.
type Resolver struct {
	nl     Netlinker
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(nl Netlinker, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{nl: nl, logger: logger}
}

// Resolve sets every conflicting bridge down and deletes it. It never returns
// an error: failures are reported per conflict in the returned resolutions.
func (r *Resolver) Resolve(ctx context.Context, host *HostNetworkState, bridges []BridgeInterface) []Resolution {
	conflicts := FindConflicts(host, bridges)
	if len(conflicts) == 0 {
		return nil
	}

	out := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		if ctx.Err() != nil {
			break
		}
		res := r.resolve(c)
		switch res.Outcome {
		case OutcomeApplied:
			r.logger.Warn("deleted conflicting bridge", "bridge", c.Bridge, "prefix", c.Prefix)
		case OutcomeAlreadySatisfied:
			r.logger.Debug("conflicting bridge already gone", "bridge", c.Bridge)
		case OutcomeFailed:
			r.logger.Error("failed to delete conflicting bridge", "bridge", c.Bridge, "error", res.Err)
		}
		out = append(out, res)
	}
	return out
}

func (r *Resolver) resolve(c ConflictRecord) Resolution {
	link, err := r.nl.LinkByName(c.Bridge)
	if err != nil {
		if IsLinkGone(err) {
			return Resolution{Conflict: c, Outcome: OutcomeAlreadySatisfied}
		}
		return Resolution{Conflict: c, Outcome: OutcomeFailed, Err: fmt.Errorf("%w: lookup %s: %v", ErrKernelOperation, c.Bridge, err)}
	}

	// Down first so the bridge stops carrying traffic even if deletion fails.
	if err := r.nl.LinkSetDown(link); err != nil {
		if IsLinkGone(err) {
			return Resolution{Conflict: c, Outcome: OutcomeAlreadySatisfied}
		}
		r.logger.Debug("failed to set bridge down", "bridge", c.Bridge, "error", err)
	}

	if err := r.nl.LinkDel(link); err != nil {
		if IsLinkGone(err) {
			return Resolution{Conflict: c, Outcome: OutcomeAlreadySatisfied}
		}
		return Resolution{Conflict: c, Outcome: OutcomeFailed, Err: fmt.Errorf("%w: delete %s: %v", ErrKernelOperation, c.Bridge, err)}
	}

	return Resolution{Conflict: c, Outcome: OutcomeApplied}
}
