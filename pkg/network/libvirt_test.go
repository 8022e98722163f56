//go:build unit

package network

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLibvirtNetworkManager(t *testing.T) {
	mgr := NewLibvirtNetworkManager(nil)
	if mgr == nil {
		t.Fatal("expected non-nil manager")
	}
}

func TestLibvirtNetworkManager_ValidationErrors(t *testing.T) {
	mgr := NewLibvirtNetworkManager(nil)
	ctx := context.Background()

	tests := []struct {
		name        string
		call        func() error
		expectedErr error
	}{
		{
			name:        "get with empty name",
			call:        func() error { _, err := mgr.Get(ctx, ""); return err },
			expectedErr: ErrNetworkNameRequired,
		},
		{
			name:        "get with nil connection",
			call:        func() error { _, err := mgr.Get(ctx, "default"); return err },
			expectedErr: ErrConnNil,
		},
		{
			name:        "delete with empty name",
			call:        func() error { return mgr.Delete(ctx, "") },
			expectedErr: ErrNetworkNameRequired,
		},
		{
			name:        "delete with nil connection",
			call:        func() error { return mgr.Delete(ctx, "default") },
			expectedErr: ErrConnNil,
		},
		{
			name:        "list with nil connection",
			call:        func() error { _, err := mgr.List(ctx); return err },
			expectedErr: ErrConnNil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.expectedErr), "got %v", err)
		})
	}
}

func TestLibvirtNetworkManager_Close_NoConnection(t *testing.T) {
	assert.NoError(t, NewLibvirtNetworkManagerForURI("qemu:///system").Close())
}

func TestParseNetworkXML(t *testing.T) {
	const natXML = `<network>
  <name>net-x</name>
  <forward mode='nat'/>
  <bridge name='virbr7' stp='on' delay='0'/>
  <ip address='192.168.1.50' netmask='255.255.255.0'>
    <dhcp><range start='192.168.1.100' end='192.168.1.200'/></dhcp>
  </ip>
  <ip family='ipv6' address='fd00::1' prefix='64'/>
</network>`

	info, err := ParseNetworkXML(natXML)
	require.NoError(t, err)
	assert.Equal(t, "net-x", info.Name)
	assert.Equal(t, "virbr7", info.BridgeName)
	assert.Equal(t, "nat", info.Mode)
	assert.Equal(t, []string{"192.168.1.50"}, info.Addresses)
	assert.Equal(t, []string{"192.168.1"}, info.Prefixes)
	assert.True(t, info.HasPrefix("192.168.1"))
	assert.False(t, info.HasPrefix("10.0.0"))

	const isolatedXML = `<network><name>iso</name><bridge name='virbr9'/></network>`
	info, err = ParseNetworkXML(isolatedXML)
	require.NoError(t, err)
	assert.Equal(t, "isolated", info.Mode)
	assert.Empty(t, info.Prefixes)

	_, err = ParseNetworkXML("<network")
	assert.True(t, errors.Is(err, ErrParseNetworkXML))
}
