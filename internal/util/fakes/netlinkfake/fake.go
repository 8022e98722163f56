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

// Package netlinkfake provides an in-memory kernel interface and route table.
package netlinkfake

import (
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type subscription struct {
	ch   chan<- netlink.AddrUpdate
	done <-chan struct{}
}

// Fake is a concurrency-safe in-memory Netlinker.
type Fake struct {
	mu        sync.Mutex
	nextIndex int
	links     map[string]netlink.Link
	addrs     map[string][]netlink.Addr
	routes    []netlink.Route
	subs      []subscription

	// Recorded calls.
	SetDownCalls []string
	DeleteCalls  []string
	RouteAdds    []netlink.Route

	// Injected failures, keyed by link name where applicable.
	LinkListErr error
	RouteErr    error
	LinkDelErr  map[string]error
	AddrListErr map[string]error
	RouteAddErr error
	SubErr      error

	// OnLinkDel runs, with the lock released, after a link is removed.
	OnLinkDel func(name string)
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		nextIndex:   1,
		links:       make(map[string]netlink.Link),
		addrs:       make(map[string][]netlink.Addr),
		LinkDelErr:  make(map[string]error),
		AddrListErr: make(map[string]error),
	}
}

// AddDevice adds a physical-like link with an optional CIDR such as
// "192.168.1.10/24".
func (f *Fake) AddDevice(name, cidr string) netlink.Link {
	return f.addLink(&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: name}}, cidr)
}

// AddBridge adds a bridge link with an optional CIDR.
func (f *Fake) AddBridge(name, cidr string) netlink.Link {
	return f.addLink(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}, cidr)
}

func (f *Fake) addLink(link netlink.Link, cidr string) netlink.Link {
	f.mu.Lock()
	attrs := link.Attrs()
	attrs.Index = f.nextIndex
	attrs.Flags = net.FlagUp
	f.nextIndex++
	f.links[attrs.Name] = link
	f.mu.Unlock()

	if cidr != "" {
		f.AddAddr(attrs.Name, cidr)
	}
	return link
}

// AddAddr assigns one more CIDR to an existing link and notifies address
// subscribers.
func (f *Fake) AddAddr(linkName, cidr string) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(fmt.Sprintf("netlinkfake: invalid cidr %q: %v", cidr, err))
	}
	ipnet.IP = ip

	f.mu.Lock()
	link, ok := f.links[linkName]
	if !ok {
		f.mu.Unlock()
		panic(fmt.Sprintf("netlinkfake: unknown link %q", linkName))
	}
	f.addrs[linkName] = append(f.addrs[linkName], netlink.Addr{IPNet: ipnet})
	update := netlink.AddrUpdate{LinkAddress: *ipnet, LinkIndex: link.Attrs().Index, NewAddr: true}
	subs := append([]subscription(nil), f.subs...)
	f.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- update:
		case <-s.done:
		}
	}
}

// AddDefaultRoute adds a default route through gw on the named link.
func (f *Fake) AddDefaultRoute(linkName, gw string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	link, ok := f.links[linkName]
	if !ok {
		panic(fmt.Sprintf("netlinkfake: unknown link %q", linkName))
	}
	f.routes = append(f.routes, netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        net.ParseIP(gw),
	})
}

// FlushRoutes removes every route.
func (f *Fake) FlushRoutes() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = nil
}

// HasLink reports whether a link with that name exists.
func (f *Fake) HasLink(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.links[name]
	return ok
}

// Routes returns a copy of the route table.
func (f *Fake) Routes() []netlink.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netlink.Route(nil), f.routes...)
}

// Deletes returns a copy of the recorded LinkDel calls.
func (f *Fake) Deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.DeleteCalls...)
}

// Subscribers returns the number of live address subscriptions.
func (f *Fake) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		select {
		case <-s.done:
		default:
			n++
		}
	}
	return n
}

func (f *Fake) LinkList() ([]netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LinkListErr != nil {
		return nil, f.LinkListErr
	}
	out := make([]netlink.Link, 0, len(f.links))
	for _, l := range f.links {
		out = append(out, l)
	}
	return out, nil
}

func (f *Fake) LinkByName(name string) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		return nil, fmt.Errorf("link %q: %w", name, unix.ENODEV)
	}
	return l, nil
}

func (f *Fake) LinkByIndex(index int) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.Attrs().Index == index {
			return l, nil
		}
	}
	return nil, fmt.Errorf("link index %d: %w", index, unix.ENODEV)
}

func (f *Fake) LinkSetDown(link netlink.Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := link.Attrs().Name
	f.SetDownCalls = append(f.SetDownCalls, name)
	l, ok := f.links[name]
	if !ok {
		return unix.ENODEV
	}
	l.Attrs().Flags &^= net.FlagUp
	return nil
}

func (f *Fake) LinkDel(link netlink.Link) error {
	f.mu.Lock()
	name := link.Attrs().Name
	f.DeleteCalls = append(f.DeleteCalls, name)
	if err := f.LinkDelErr[name]; err != nil {
		f.mu.Unlock()
		return err
	}
	l, ok := f.links[name]
	if !ok {
		f.mu.Unlock()
		return unix.ENODEV
	}
	delete(f.links, name)
	delete(f.addrs, name)
	kept := f.routes[:0]
	for _, r := range f.routes {
		if r.LinkIndex != l.Attrs().Index {
			kept = append(kept, r)
		}
	}
	f.routes = kept
	hook := f.OnLinkDel
	f.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	return nil
}

func (f *Fake) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := link.Attrs().Name
	if _, ok := f.links[name]; !ok {
		return nil, unix.ENODEV
	}
	if err := f.AddrListErr[name]; err != nil {
		return nil, err
	}
	var out []netlink.Addr
	for _, a := range f.addrs[name] {
		if family == netlink.FAMILY_V4 && a.IP.To4() == nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *Fake) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RouteErr != nil {
		return nil, f.RouteErr
	}
	var out []netlink.Route
	for _, r := range f.routes {
		if link != nil && r.LinkIndex != link.Attrs().Index {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *Fake) RouteAdd(route *netlink.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RouteAdds = append(f.RouteAdds, *route)
	if f.RouteAddErr != nil {
		return f.RouteAddErr
	}
	for _, r := range f.routes {
		if r.LinkIndex == route.LinkIndex && r.Gw.Equal(route.Gw) && r.Dst == nil && route.Dst == nil {
			return unix.EEXIST
		}
	}
	f.routes = append(f.routes, *route)
	return nil
}

func (f *Fake) AddrSubscribe(ch chan<- netlink.AddrUpdate, done <-chan struct{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubErr != nil {
		return f.SubErr
	}
	f.subs = append(f.subs, subscription{ch: ch, done: done})
	return nil
}
