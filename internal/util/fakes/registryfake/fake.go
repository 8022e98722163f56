// Package registryfake provides an in-memory libvirt network registry.
package registryfake

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/alexandremahdhaoui/netguard/pkg/network"
)

// Fake implements the guard's network registry in memory.
type Fake struct {
	mu       sync.Mutex
	networks map[string]network.LibvirtNetworkInfo

	ListErr   error
	DeleteErr map[string]error

	DeleteCalls []string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		networks:  make(map[string]network.LibvirtNetworkInfo),
		DeleteErr: make(map[string]error),
	}
}

// Define adds a persistent, active network definition with an IPv4 address.
func (f *Fake) Define(name, bridge, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = network.LibvirtNetworkInfo{
		Name:       name,
		BridgeName: bridge,
		Mode:       "nat",
		Addresses:  []string{address},
		Prefixes:   []string{network.PrefixOf(net.ParseIP(address))},
		IsActive:   true,
		Persistent: true,
	}
}

// Has reports whether the named definition exists.
func (f *Fake) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.networks[name]
	return ok
}

func (f *Fake) List(ctx context.Context) ([]network.LibvirtNetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]network.LibvirtNetworkInfo, 0, len(f.networks))
	for _, n := range f.networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls = append(f.DeleteCalls, name)
	if err := f.DeleteErr[name]; err != nil {
		return err
	}
	delete(f.networks, name)
	return nil
}
