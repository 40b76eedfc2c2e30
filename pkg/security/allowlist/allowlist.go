// Package allowlist implements IP-based access control over literal
// IPv4/IPv6 addresses and CIDR networks. An empty allowlist permits all
// traffic; once any entry exists only matching addresses pass.
package allowlist

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// Allowlist holds separate sets for literal addresses and CIDR networks
// of each address family. All methods are safe for concurrent use.
type Allowlist struct {
	mu      sync.RWMutex
	v4      map[netip.Addr]struct{}
	v6      map[netip.Addr]struct{}
	v4nets  map[netip.Prefix]struct{}
	v6nets  map[netip.Prefix]struct{}
}

// New creates an empty allowlist
func New() *Allowlist {
	return &Allowlist{
		v4:     make(map[netip.Addr]struct{}),
		v6:     make(map[netip.Addr]struct{}),
		v4nets: make(map[netip.Prefix]struct{}),
		v6nets: make(map[netip.Prefix]struct{}),
	}
}

// NewFromEntries creates an allowlist from literal and CIDR entries,
// rejecting the first malformed one
func NewFromEntries(entries []string) (*Allowlist, error) {
	a := New()
	for _, entry := range entries {
		if err := a.Add(entry); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Add inserts a literal address or a CIDR network. Malformed input is
// rejected at mutation time.
func (a *Allowlist) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	a.mu.Lock()
	defer a.mu.Unlock()

	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		prefix = prefix.Masked()
		if prefix.Addr().Unmap().Is4() {
			a.v4nets[prefix] = struct{}{}
		} else {
			a.v6nets[prefix] = struct{}{}
		}
		return nil
	}

	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return fmt.Errorf("invalid IP address %q: %w", entry, err)
	}
	addr = addr.Unmap()
	if addr.Is4() {
		a.v4[addr] = struct{}{}
	} else {
		a.v6[addr] = struct{}{}
	}
	return nil
}

// Remove deletes a literal address or CIDR network
func (a *Allowlist) Remove(entry string) error {
	entry = strings.TrimSpace(entry)
	a.mu.Lock()
	defer a.mu.Unlock()

	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		prefix = prefix.Masked()
		delete(a.v4nets, prefix)
		delete(a.v6nets, prefix)
		return nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return fmt.Errorf("invalid IP address %q: %w", entry, err)
	}
	addr = addr.Unmap()
	delete(a.v4, addr)
	delete(a.v6, addr)
	return nil
}

// Len returns the number of configured entries
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.v4) + len(a.v6) + len(a.v4nets) + len(a.v6nets)
}

// IsAllowed reports whether the address may pass. An empty allowlist
// permits everything; malformed addresses are always denied. Literal
// matches are checked before CIDR membership, and the first and last
// address of every range are included.
func (a *Allowlist) IsAllowed(ip string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.v4)+len(a.v6)+len(a.v4nets)+len(a.v6nets) == 0 {
		return true
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	if addr.Is4() {
		if _, ok := a.v4[addr]; ok {
			return true
		}
		for prefix := range a.v4nets {
			if prefix.Contains(addr) {
				return true
			}
		}
		return false
	}

	if _, ok := a.v6[addr]; ok {
		return true
	}
	for prefix := range a.v6nets {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
