package util

import (
	"fmt"
	"math/big"
	"net"
)

// AddrFamily identifies the address family of a management or data-plane IP.
type AddrFamily int

const (
	AddrInvalid AddrFamily = iota
	AddrIPv4
	AddrIPv6
)

func (f AddrFamily) String() string {
	switch f {
	case AddrIPv4:
		return "IPv4"
	case AddrIPv6:
		return "IPv6"
	default:
		return "Invalid"
	}
}

// FamilyOf classifies an address string as IPv4, IPv6, or invalid.
func FamilyOf(addr string) AddrFamily {
	ip := net.ParseIP(addr)
	if ip == nil {
		return AddrInvalid
	}
	if ip.To4() != nil {
		return AddrIPv4
	}
	return AddrIPv6
}

// ParseCIDR parses CIDR notation and returns the network and prefix length.
func ParseCIDR(cidr string) (*net.IPNet, int, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid CIDR notation: %s", cidr)
	}
	ones, _ := ipNet.Mask.Size()
	return ipNet, ones, nil
}

// NextIP returns the successor of ip. Works for IPv4 and IPv6. An all-ones
// address wraps to the zero address rather than overflowing.
func NextIP(ip net.IP) net.IP {
	i := new(big.Int).SetBytes(ip)
	i.Add(i, big.NewInt(1))
	b := i.Bytes()
	if len(b) > len(ip) {
		b = b[len(b)-len(ip):]
	}

	out := make(net.IP, len(ip))
	copy(out[len(ip)-len(b):], b)
	return out
}

// IPIterator walks the successor addresses of a starting IP within a subnet.
// It is a bounded lazy sequence: Next returns false once the subnet is
// exhausted or maxCount addresses have been produced. Reset restarts the
// walk from the original starting address.
type IPIterator struct {
	start    net.IP
	subnet   *net.IPNet
	maxCount int

	current net.IP
	emitted int
}

// NewIPIterator creates an iterator over addresses after start (exclusive)
// inside subnet. A maxCount <= 0 means no count bound beyond the subnet.
func NewIPIterator(start net.IP, subnet *net.IPNet, maxCount int) *IPIterator {
	normalized := start
	if v4 := start.To4(); v4 != nil {
		normalized = v4
	}
	return &IPIterator{
		start:    normalized,
		subnet:   subnet,
		maxCount: maxCount,
		current:  normalized,
	}
}

// Next returns the next address in the sequence, or false when done. The
// IPv4 subnet broadcast address is never produced; reaching it means the
// subnet is exhausted.
func (it *IPIterator) Next() (net.IP, bool) {
	if it.maxCount > 0 && it.emitted >= it.maxCount {
		return nil, false
	}
	candidate := NextIP(it.current)
	if it.subnet != nil && !it.subnet.Contains(candidate) {
		return nil, false
	}
	if it.subnet != nil && isIPv4Broadcast(candidate, it.subnet) {
		return nil, false
	}
	it.current = candidate
	it.emitted++
	return candidate, true
}

// isIPv4Broadcast reports whether ip is the all-ones host address of an
// IPv4 subnet.
func isIPv4Broadcast(ip net.IP, subnet *net.IPNet) bool {
	v4 := ip.To4()
	base := subnet.IP.To4()
	if v4 == nil || base == nil {
		return false
	}
	mask := subnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	for i := range v4 {
		if v4[i] != base[i]|^mask[i] {
			return false
		}
	}
	return true
}

// Reset restarts the iterator from the original starting address.
func (it *IPIterator) Reset() {
	it.current = it.start
	it.emitted = 0
}
