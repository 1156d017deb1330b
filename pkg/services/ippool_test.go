package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddressPool_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cidr    string
		wantErr bool
	}{
		{"valid /24", "192.168.122.0/24", false},
		{"unmasked", "10.0.0.17/16", false},
		{"smallest usable", "10.0.0.0/29", false},
		{"too small", "10.0.0.0/30", true},
		{"ipv6", "fd00::/64", true},
		{"garbage", "not-a-cidr", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAddressPool(tt.cidr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAddressPool_AllocateSkipsGateway(t *testing.T) {
	pool, err := NewAddressPool("192.168.122.0/24")
	require.NoError(t, err)

	ip, err := pool.Allocate("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.2", ip)

	ip, err = pool.Allocate("vm-2")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.3", ip)
	assert.Equal(t, 2, pool.InUse())
}

func TestAddressPool_AllocateIsIdempotentPerOwner(t *testing.T) {
	pool, err := NewAddressPool("192.168.122.0/24")
	require.NoError(t, err)

	first, err := pool.Allocate("vm-1")
	require.NoError(t, err)
	second, err := pool.Allocate("vm-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, pool.InUse())
}

func TestAddressPool_ExhaustionAndRelease(t *testing.T) {
	// a /29 has 8 addresses: network, gateway, broadcast and 5 guests
	pool, err := NewAddressPool("10.0.0.0/29")
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		ip, err := pool.Allocate(string(rune('a' + i)))
		require.NoError(t, err)
		assert.False(t, seen[ip], "address %s handed out twice", ip)
		assert.NotEqual(t, "10.0.0.7", ip, "broadcast must not be assigned")
		seen[ip] = true
	}

	_, err = pool.Allocate("overflow")
	require.Error(t, err)

	pool.Release("10.0.0.4")
	ip, err := pool.Allocate("overflow")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", ip)
}

func TestAddressPool_ReserveIgnoresForeignAddresses(t *testing.T) {
	pool, err := NewAddressPool("192.168.122.0/24")
	require.NoError(t, err)

	pool.Reserve("vm-1", "192.168.122.2")
	pool.Reserve("vm-2", "10.1.1.1")
	pool.Reserve("vm-3", "bogus")
	assert.Equal(t, 1, pool.InUse())

	ip, err := pool.Allocate("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.2", ip)

	ip, err = pool.Allocate("vm-4")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.3", ip)
}

func TestAddressPool_ReserveKeepsExistingOwner(t *testing.T) {
	pool, err := NewAddressPool("192.168.122.0/24")
	require.NoError(t, err)

	assert.True(t, pool.Reserve("vm-1", "192.168.122.10"))
	assert.True(t, pool.Reserve("vm-1", "192.168.122.10"), "same owner may reserve again")
	assert.False(t, pool.Reserve("vm-2", "192.168.122.10"))
	assert.True(t, pool.Reserve("vm-2", "10.1.1.1"), "untracked addresses never conflict")

	ip, err := pool.Allocate("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.10", ip)
	assert.Equal(t, 1, pool.InUse())
}
