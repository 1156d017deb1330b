package services

import (
	"fmt"
	"net/netip"
	"sync"
)

// AddressPool hands out guest addresses from a subnet. The network address, the first
// host (gateway) and the broadcast address are never assigned.
type AddressPool struct {
	mu       sync.Mutex
	prefix   netip.Prefix
	first    netip.Addr
	next     netip.Addr
	assigned map[netip.Addr]string
}

// NewAddressPool parses a CIDR such as "192.168.122.0/24"
func NewAddressPool(cidr string) (*AddressPool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", cidr, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("invalid subnet %q: only IPv4 is supported", cidr)
	}
	if prefix.Bits() > 29 {
		return nil, fmt.Errorf("invalid subnet %q: prefix too small to assign guests", cidr)
	}

	// skip network address and gateway
	first := prefix.Addr().Next().Next()
	return &AddressPool{
		prefix:   prefix,
		first:    first,
		next:     first,
		assigned: make(map[netip.Addr]string),
	}, nil
}

// Reserve marks an address as held by owner. It returns false when another owner
// already holds it. Addresses outside the subnet are not tracked and never conflict.
func (p *AddressPool) Reserve(owner string, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !p.prefix.Contains(addr) {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if holder, taken := p.assigned[addr]; taken && holder != owner {
		return false
	}
	p.assigned[addr] = owner
	return true
}

// Allocate returns a free address for owner. An owner that already holds an address gets it back.
func (p *AddressPool) Allocate(owner string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, o := range p.assigned {
		if o == owner {
			return addr.String(), nil
		}
	}

	size := 1 << (32 - p.prefix.Bits())
	candidate := p.next
	for i := 0; i < size; i++ {
		if !p.usable(candidate) {
			candidate = p.first
		}
		if _, taken := p.assigned[candidate]; !taken {
			p.assigned[candidate] = owner
			p.next = candidate.Next()
			return candidate.String(), nil
		}
		candidate = candidate.Next()
	}
	return "", fmt.Errorf("address pool %s exhausted", p.prefix)
}

// Release frees an address. Unknown addresses are ignored.
func (p *AddressPool) Release(ip string) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.assigned, addr)
}

// InUse returns how many addresses are currently assigned
func (p *AddressPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assigned)
}

func (p *AddressPool) usable(addr netip.Addr) bool {
	if !addr.IsValid() || !p.prefix.Contains(addr) || addr.Less(p.first) {
		return false
	}
	// broadcast is the last address in the prefix
	return p.prefix.Contains(addr.Next())
}
