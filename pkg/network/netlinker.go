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
	"errors"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Netlinker is the subset of the kernel netlink API used by netguard.
// Every kernel read and write goes through it so that tests can substitute
// an in-memory interface table.
type Netlinker interface {
	LinkList() ([]netlink.Link, error)
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	LinkSetDown(link netlink.Link) error
	LinkDel(link netlink.Link) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RouteAdd(route *netlink.Route) error
	AddrSubscribe(ch chan<- netlink.AddrUpdate, done <-chan struct{}) error
}

// KernelNetlinker talks to the running kernel over a netlink socket.
type KernelNetlinker struct{}

// NewKernelNetlinker returns a Netlinker bound to the host network namespace.
func NewKernelNetlinker() *KernelNetlinker {
	return &KernelNetlinker{}
}

func (KernelNetlinker) LinkList() ([]netlink.Link, error) { return netlink.LinkList() }

func (KernelNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (KernelNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	return netlink.LinkByIndex(index)
}

func (KernelNetlinker) LinkSetDown(link netlink.Link) error { return netlink.LinkSetDown(link) }

func (KernelNetlinker) LinkDel(link netlink.Link) error { return netlink.LinkDel(link) }

func (KernelNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

func (KernelNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}

func (KernelNetlinker) RouteAdd(route *netlink.Route) error { return netlink.RouteAdd(route) }

func (KernelNetlinker) AddrSubscribe(ch chan<- netlink.AddrUpdate, done <-chan struct{}) error {
	return netlink.AddrSubscribe(ch, done)
}

// IsLinkGone reports whether err means the link no longer exists.
func IsLinkGone(err error) bool {
	if err == nil {
		return false
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENOENT)
}

// isRouteExists reports whether err is the kernel refusing a duplicate route.
func isRouteExists(err error) bool {
	return errors.Is(err, unix.EEXIST)
}
