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
	"time"

	"github.com/vishvananda/netlink"
)

var (
	ErrRouteLost                = errors.New("default route lost")
	ErrConnectivityVerification = errors.New("connectivity verification failed")
)

// DefaultProbeTimeout bounds the single reachability probe.
const DefaultProbeTimeout = 2 * time.Second

// Prober checks that target answers within the deadline carried by ctx.
type Prober interface {
	Probe(ctx context.Context, target net.IP) error
}

// RouteRestorer re-asserts the host default route and verifies the gateway.
type RouteRestorer struct {
	nl      Netlinker
	prober  Prober
	timeout time.Duration
	logger  *slog.Logger
}

// NewRouteRestorer creates a RouteRestorer. A zero timeout selects
// DefaultProbeTimeout.
func NewRouteRestorer(nl Netlinker, prober Prober, timeout time.Duration, logger *slog.Logger) *RouteRestorer {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteRestorer{nl: nl, prober: prober, timeout: timeout, logger: logger}
}

// Restore checks the default route through the captured gateway and, if it is
// missing, inserts it exactly once. It then probes the gateway once.
// restored reports whether a route was inserted. Any returned error wraps
// ErrConnectivityVerification.
func (r *RouteRestorer) Restore(ctx context.Context, host *HostNetworkState) (restored bool, err error) {
	if host == nil {
		return false, fmt.Errorf("%w: no host state", ErrConnectivityVerification)
	}

	gateway := host.Gateway
	if gateway == nil {
		// Fallback state: nothing to restore, only verify some default route exists.
		routes, err := r.nl.RouteList(nil, netlink.FAMILY_V4)
		if err != nil {
			return false, fmt.Errorf("%w: listing routes: %v", ErrConnectivityVerification, err)
		}
		route := DefaultRoute(routes)
		if route == nil {
			return false, fmt.Errorf("%w: %v and no gateway was captured", ErrConnectivityVerification, ErrRouteLost)
		}
		gateway = route.Gw
	} else {
		restored, err = r.ensureRoute(host)
		if err != nil {
			return false, err
		}
	}

	if r.prober == nil {
		return restored, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.prober.Probe(probeCtx, gateway); err != nil {
		return restored, fmt.Errorf("%w: gateway %s unreachable via %s: %v",
			ErrConnectivityVerification, gateway, host.Interface, err)
	}
	r.logger.Info("gateway reachable", "gateway", gateway.String(), "interface", host.Interface)

	return restored, nil
}

func (r *RouteRestorer) ensureRoute(host *HostNetworkState) (bool, error) {
	link, err := r.nl.LinkByName(host.Interface)
	if err != nil {
		return false, fmt.Errorf("%w: host interface %s: %v", ErrConnectivityVerification, host.Interface, err)
	}

	routes, err := r.nl.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return false, fmt.Errorf("%w: listing routes of %s: %v", ErrConnectivityVerification, host.Interface, err)
	}
	if hasDefaultVia(routes, host.Gateway) {
		return false, nil
	}

	r.logger.Warn("re-adding default route", "error", ErrRouteLost,
		"gateway", host.Gateway.String(), "interface", host.Interface)

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        host.Gateway,
	}
	if err := r.nl.RouteAdd(route); err != nil {
		if isRouteExists(err) {
			return false, nil
		}
		// The probe below decides whether the host is still reachable.
		r.logger.Error("failed to re-add default route", "gateway", host.Gateway.String(), "error", err)
		return false, nil
	}

	return true, nil
}

func hasDefaultVia(routes []netlink.Route, gateway net.IP) bool {
	for _, route := range routes {
		if route.Gw != nil && route.Gw.Equal(gateway) && isDefaultDst(route.Dst) {
			return true
		}
	}
	return false
}
