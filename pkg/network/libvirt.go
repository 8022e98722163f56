package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// Error variables for libvirt network operations
var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrConnNil             = errors.New("libvirt connection is nil")
	ErrConnect             = errors.New("failed to connect to libvirt")
	ErrListNetworks        = errors.New("failed to list libvirt networks")
	ErrDestroyNetwork      = errors.New("failed to destroy libvirt network")
	ErrUndefineNetwork     = errors.New("failed to undefine libvirt network")
	ErrCheckNetwork        = errors.New("failed to check if network exists")
	ErrParseNetworkXML     = errors.New("failed to parse network XML")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
	// ErrNetworkInUse means libvirt refused the operation because the network
	// still has dependents.
	ErrNetworkInUse = errors.New("libvirt network is in use")
)

// LibvirtNetworkInfo contains information about a libvirt network
type LibvirtNetworkInfo struct {
	Name       string
	BridgeName string
	Mode       string
	Addresses  []string // configured IPv4 addresses, e.g. "192.168.122.1"
	Prefixes   []string // leading octets of Addresses
	IsActive   bool
	Persistent bool
}

// HasPrefix reports whether any configured address has the given prefix.
func (i *LibvirtNetworkInfo) HasPrefix(prefix string) bool {
	for _, p := range i.Prefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

// LibvirtNetworkManager reads and deletes libvirt virtual networks.
// It never defines new networks.
type LibvirtNetworkManager struct {
	mu   sync.Mutex
	conn *libvirt.Connect
	uri  string
}

// NewLibvirtNetworkManager creates a new LibvirtNetworkManager
func NewLibvirtNetworkManager(conn *libvirt.Connect) *LibvirtNetworkManager {
	return &LibvirtNetworkManager{
		conn: conn,
	}
}

// NewLibvirtNetworkManagerForURI creates a manager that connects to uri on
// first use, so that constructing it never blocks on a daemon that is still
// starting.
func NewLibvirtNetworkManagerForURI(uri string) *LibvirtNetworkManager {
	return &LibvirtNetworkManager{uri: uri}
}

func (m *LibvirtNetworkManager) connect() (*libvirt.Connect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return m.conn, nil
	}
	if m.uri == "" {
		return nil, ErrConnNil
	}

	conn, err := libvirt.NewConnect(m.uri)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrConnect, m.uri, err)
	}
	m.conn = conn
	return conn, nil
}

// Close releases the libvirt connection, if any.
func (m *LibvirtNetworkManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil
	}
	_, err := m.conn.Close()
	m.conn = nil
	return err
}

// List returns every network libvirt knows about, active or not.
func (m *LibvirtNetworkManager) List(ctx context.Context) ([]LibvirtNetworkInfo, error) {
	conn, err := m.connect()
	if err != nil {
		return nil, err
	}

	networks, err := conn.ListAllNetworks(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListNetworks, err)
	}
	defer func() {
		for i := range networks {
			_ = networks[i].Free()
		}
	}()

	out := make([]LibvirtNetworkInfo, 0, len(networks))
	for i := range networks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := describeNetwork(&networks[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}

	return out, nil
}

// Get retrieves information about a libvirt network
// Returns ErrNetworkNotFound if the network doesn't exist
func (m *LibvirtNetworkManager) Get(ctx context.Context, name string) (*LibvirtNetworkInfo, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	conn, err := m.connect()
	if err != nil {
		return nil, err
	}

	network, err := conn.LookupNetworkByName(name)
	if err != nil {
		if isLibvirtCode(err, libvirt.ERR_NO_NETWORK) {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	defer func() { _ = network.Free() }()

	return describeNetwork(network)
}

func describeNetwork(network *libvirt.Network) (*LibvirtNetworkInfo, error) {
	xmlDesc, err := network.GetXMLDesc(0)
	if err != nil {
		return nil, fmt.Errorf("failed to get network XML: %v", err)
	}

	info, err := ParseNetworkXML(xmlDesc)
	if err != nil {
		return nil, err
	}

	if info.IsActive, err = network.IsActive(); err != nil {
		return nil, fmt.Errorf("failed to check network state: %v", err)
	}
	if info.Persistent, err = network.IsPersistent(); err != nil {
		return nil, fmt.Errorf("failed to check network persistence: %v", err)
	}

	return info, nil
}

// ParseNetworkXML extracts name, bridge, mode and IPv4 addresses from a
// libvirt network definition.
func ParseNetworkXML(xmlDesc string) (*LibvirtNetworkInfo, error) {
	var networkXML libvirtxml.Network
	if err := networkXML.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseNetworkXML, err)
	}

	info := &LibvirtNetworkInfo{
		Name: networkXML.Name,
		Mode: "isolated",
	}
	if networkXML.Bridge != nil {
		info.BridgeName = networkXML.Bridge.Name
	}
	if networkXML.Forward != nil && networkXML.Forward.Mode != "" {
		info.Mode = networkXML.Forward.Mode
	}

	for _, ip := range networkXML.IPs {
		if ip.Family != "" && ip.Family != "ipv4" {
			continue
		}
		addr := net.ParseIP(ip.Address)
		prefix := PrefixOf(addr)
		if prefix == "" {
			continue
		}
		info.Addresses = append(info.Addresses, addr.String())
		info.Prefixes = append(info.Prefixes, prefix)
	}

	return info, nil
}

// Delete removes a libvirt network: it is destroyed when active and
// undefined when persistent.
// Idempotent - returns nil if network doesn't exist
func (m *LibvirtNetworkManager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return ErrNetworkNameRequired
	}
	conn, err := m.connect()
	if err != nil {
		return err
	}

	network, err := conn.LookupNetworkByName(name)
	if err != nil {
		if isLibvirtCode(err, libvirt.ERR_NO_NETWORK) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("failed to check network state: %v", err)
	}
	if active {
		if err := network.Destroy(); err != nil && !isLibvirtCode(err, libvirt.ERR_NO_NETWORK) {
			return wrapLibvirtDeleteErr(ErrDestroyNetwork, err)
		}
	}

	persistent, err := network.IsPersistent()
	if err != nil {
		if isLibvirtCode(err, libvirt.ERR_NO_NETWORK) {
			// Transient networks vanish once destroyed.
			return nil
		}
		return fmt.Errorf("failed to check network persistence: %v", err)
	}
	if persistent {
		if err := network.Undefine(); err != nil && !isLibvirtCode(err, libvirt.ERR_NO_NETWORK) {
			return wrapLibvirtDeleteErr(ErrUndefineNetwork, err)
		}
	}

	return nil
}

func wrapLibvirtDeleteErr(sentinel, err error) error {
	if isLibvirtCode(err, libvirt.ERR_OPERATION_INVALID) || strings.Contains(err.Error(), "in use") {
		return fmt.Errorf("%w: %w: %v", sentinel, ErrNetworkInUse, err)
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

func isLibvirtCode(err error, code libvirt.ErrorNumber) bool {
	var libvirtErr libvirt.Error
	if errors.As(err, &libvirtErr) {
		return libvirtErr.Code == code
	}
	return false
}
