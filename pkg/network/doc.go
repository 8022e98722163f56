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

// Package network holds the kernel and libvirt primitives of netguard.
//
// The package provides:
//
//   - Snapshotter: captures the host default-route interface, gateway and prefix
//   - Scanner: lists Linux bridges and their IPv4 prefixes from the kernel
//   - Resolver: sets colliding bridges down and deletes them
//   - RouteRestorer: re-adds a lost default route once, then probes the gateway
//   - LibvirtNetworkManager: lists and deletes libvirt network definitions
//
// # Kernel access
//
// Every kernel read and write goes through the Netlinker interface.
// KernelNetlinker is the production implementation backed by netlink; it never
// talks to libvirt or to the network, so it keeps working when the host has
// already lost connectivity.
//
// # Example Usage
//
//	nl := network.NewKernelNetlinker()
//	host, err := network.NewSnapshotter(nl, store, nil, logger).Capture(ctx)
//	if errors.Is(err, network.ErrUndeterminableHost) {
//	    // nothing to protect
//	}
//
//	bridges, err := network.NewScanner(nl, logger).Scan(ctx, "virbr*")
//	for _, res := range network.NewResolver(nl, logger).Resolve(ctx, host, bridges) {
//	    // res.Outcome is applied, already-satisfied or failed
//	}
//
// # Prefixes
//
// Two addresses collide when their leading three octets are equal, see PrefixOf.
package network
