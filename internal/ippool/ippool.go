// Package ippool leases tunnel addresses to clients.
//
// The pool covers the tunnel network of the server. The network address, the
// broadcast address and the server address are never leased. Allocation is
// a linear scan from the lowest host address.
package ippool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

var (
	// ErrExhausted means that every address of the pool is leased.
	ErrExhausted = errors.New("ippool: no free addresses")

	// ErrInvalidNetwork means that the pool network cannot lease addresses.
	ErrInvalidNetwork = errors.New("ippool: invalid network")
)

// Pool is a thread-safe address pool. The zero value is invalid; use [New].
type Pool struct {
	mu sync.Mutex

	prefix    netip.Prefix
	server    netip.Addr
	broadcast netip.Addr

	// leases maps a leased address to its owner.
	leases map[netip.Addr]string

	// owners maps an owner to its leased address.
	owners map[string]netip.Addr
}

// New creates a pool for the network of server/prefixLength. Only IPv4
// networks with at least one free host address are supported.
func New(server netip.Addr, prefixLength int) (*Pool, error) {
	if !server.Is4() {
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidNetwork, server)
	}
	if prefixLength < 0 || prefixLength > 30 {
		return nil, fmt.Errorf("%w: prefix length %d", ErrInvalidNetwork, prefixLength)
	}
	prefix, err := server.Prefix(prefixLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNetwork, err.Error())
	}
	if server == prefix.Addr() || server == lastAddr(prefix) {
		return nil, fmt.Errorf("%w: %s is not a host address of %s", ErrInvalidNetwork, server, prefix)
	}
	return &Pool{
		prefix:    prefix,
		server:    server,
		broadcast: lastAddr(prefix),
		leases:    make(map[netip.Addr]string),
		owners:    make(map[string]netip.Addr),
	}, nil
}

// lastAddr returns the broadcast address of an IPv4 prefix.
func lastAddr(prefix netip.Prefix) netip.Addr {
	base := prefix.Addr().As4()
	value := binary.BigEndian.Uint32(base[:])
	value |= ^uint32(0) >> prefix.Bits()
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], value)
	return netip.AddrFrom4(out)
}

// Allocate leases an address to owner. An owner that already holds a lease
// gets the same address again.
func (p *Pool) Allocate(owner string) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if addr, found := p.owners[owner]; found {
		return addr, nil
	}
	for addr := p.prefix.Addr().Next(); addr != p.broadcast; addr = addr.Next() {
		if addr == p.server {
			continue
		}
		if _, leased := p.leases[addr]; leased {
			continue
		}
		p.leases[addr] = owner
		p.owners[owner] = addr
		return addr, nil
	}
	return netip.Addr{}, ErrExhausted
}

// Release returns addr to the pool. Releasing an address that is not leased
// does nothing.
func (p *Pool) Release(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, found := p.leases[addr]
	if !found {
		return
	}
	delete(p.leases, addr)
	delete(p.owners, owner)
}

// Leased returns whether addr is currently leased.
func (p *Pool) Leased(addr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, found := p.leases[addr]
	return found
}

// Contains returns whether addr belongs to the pool network.
func (p *Pool) Contains(addr netip.Addr) bool {
	return p.prefix.Contains(addr)
}

// ServerAddr returns the server address.
func (p *Pool) ServerAddr() netip.Addr {
	return p.server
}

// Prefix returns the pool network.
func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}

// Len returns the number of leased addresses.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}
