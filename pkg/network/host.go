// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/vishvananda/netlink"
	"k8s.io/utils/clock"
)

// ErrUndeterminableHost is returned when neither the live route table nor the
// persisted state identify the host interface.
var ErrUndeterminableHost = errors.New("host network undeterminable")

// prefixOctets is the number of leading IPv4 octets compared for collisions.
const prefixOctets = 3

// InterfaceStore persists the last known host interface name.
// Get returns an empty string when nothing was persisted yet.
type InterfaceStore interface {
	Get() (string, error)
	Set(name string) error
}

// HostNetworkState is the host's own network identity for one guard run.
type HostNetworkState struct {
	Interface  string
	Prefix     string
	Gateway    net.IP
	CapturedAt time.Time
	// Fallback is true when Interface was read from the persisted store
	// because no live default route could be read. Prefix and Gateway are
	// empty then.
	Fallback bool
	// NoAddress is true when a live default route exists but its interface
	// carries no usable IPv4 address. Gateway is set and Prefix is empty.
	NoAddress bool
}

// HasPrefix reports whether conflicts can be evaluated against this state.
func (h *HostNetworkState) HasPrefix() bool {
	return h != nil && h.Prefix != ""
}

// LogValue implements slog.LogValuer.
func (h *HostNetworkState) LogValue() slog.Value {
	if h == nil {
		return slog.StringValue("<nil>")
	}
	gw := ""
	if h.Gateway != nil {
		gw = h.Gateway.String()
	}
	return slog.GroupValue(
		slog.String("interface", h.Interface),
		slog.String("prefix", h.Prefix),
		slog.String("gateway", gw),
		slog.Bool("fallback", h.Fallback),
		slog.Bool("no_address", h.NoAddress),
	)
}

// PrefixOf returns the leading octets of an IPv4 address, e.g. "10.100.0"
// for 10.100.0.17. It returns an empty string for non-IPv4 addresses.
func PrefixOf(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	out := fmt.Sprintf("%d", v4[0])
	for i := 1; i < prefixOctets; i++ {
		out = fmt.Sprintf("%s.%d", out, v4[i])
	}
	return out
}

// Snapshotter captures the host network state.
type Snapshotter struct {
	nl     Netlinker
	store  InterfaceStore
	clock  clock.PassiveClock
	logger *slog.Logger
}

// NewSnapshotter creates a Snapshotter. A nil clock or logger selects the
// real clock and the default logger.
func NewSnapshotter(nl Netlinker, store InterfaceStore, clk clock.PassiveClock, logger *slog.Logger) *Snapshotter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{nl: nl, store: store, clock: clk, logger: logger}
}

// Capture reads the default route from the kernel. When no default route is
// present it falls back to the persisted interface name, and returns
// ErrUndeterminableHost only if that is missing too.
func (s *Snapshotter) Capture(ctx context.Context) (*HostNetworkState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state, err := s.captureLive()
	if err == nil && state.HasPrefix() {
		if s.store != nil {
			if err := s.store.Set(state.Interface); err != nil {
				s.logger.Warn("failed to persist host interface", "interface", state.Interface, "error", err)
			}
		}
		return state, nil
	}
	if err != nil {
		s.logger.Warn("live default route unavailable, using persisted interface", "error", err)
	}
	if state != nil {
		s.logger.Warn("host interface has no IPv4 address", "interface", state.Interface)
		state.NoAddress = true
		return state, nil
	}

	name, err := s.persisted()
	if err != nil {
		return nil, err
	}
	return &HostNetworkState{
		Interface:  name,
		CapturedAt: s.clock.Now(),
		Fallback:   true,
	}, nil
}

func (s *Snapshotter) captureLive() (*HostNetworkState, error) {
	routes, err := s.nl.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}

	route := DefaultRoute(routes)
	if route == nil {
		return nil, errors.New("no default route")
	}

	link, err := s.nl.LinkByIndex(route.LinkIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving default route link %d: %w", route.LinkIndex, err)
	}

	addrs, err := s.nl.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("listing addresses of %s: %w", link.Attrs().Name, err)
	}

	return &HostNetworkState{
		Interface:  link.Attrs().Name,
		Prefix:     firstPrefix(addrs),
		Gateway:    route.Gw,
		CapturedAt: s.clock.Now(),
	}, nil
}

func (s *Snapshotter) persisted() (string, error) {
	if s.store == nil {
		return "", ErrUndeterminableHost
	}
	name, err := s.store.Get()
	if err != nil {
		return "", fmt.Errorf("%w: reading persisted interface: %v", ErrUndeterminableHost, err)
	}
	if name == "" {
		return "", fmt.Errorf("%w: no default route and no persisted interface", ErrUndeterminableHost)
	}
	return name, nil
}

// DefaultRoute returns the IPv4 default route with a gateway and the lowest
// priority, or nil.
func DefaultRoute(routes []netlink.Route) *netlink.Route {
	var best *netlink.Route
	for i := range routes {
		r := &routes[i]
		if r.Gw == nil || !isDefaultDst(r.Dst) {
			continue
		}
		if best == nil || r.Priority < best.Priority {
			best = r
		}
	}
	return best
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.To4() != nil && dst.IP.To4().Equal(net.IPv4zero)
}

// firstPrefix returns the prefix of the first usable IPv4 address.
func firstPrefix(addrs []netlink.Addr) string {
	if all := prefixes(addrs); len(all) > 0 {
		return all[0]
	}
	return ""
}

// prefixes returns the distinct prefixes of all usable IPv4 addresses, in
// address order. Loopback and link-local addresses are ignored.
func prefixes(addrs []netlink.Addr) []string {
	var out []string
	for _, addr := range addrs {
		if addr.IPNet == nil {
			continue
		}
		ip := addr.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		p := PrefixOf(ip)
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
