package util

import (
	"fmt"
	"net"
)

// HostIP returns the address at network+offset inside subnet.
// Offset 0 is the network address itself.
func HostIP(subnet *net.IPNet, offset int) (net.IP, error) {
	ip := subnet.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("subnet %s is not IPv4", subnet)
	}
	if offset < 0 || offset > 255 {
		return nil, fmt.Errorf("host offset %d out of range for /24", offset)
	}
	out := make(net.IP, 4)
	copy(out, ip)
	out[3] = byte(int(out[3]) + offset)
	if !subnet.Contains(out) {
		return nil, fmt.Errorf("offset %d outside subnet %s", offset, subnet)
	}
	return out, nil
}

// IsValidIPv4 checks if a string is a valid IPv4 address.
func IsValidIPv4(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.To4() != nil
}

// IsValidIPv4CIDR checks if a string is valid IPv4 CIDR notation.
func IsValidIPv4CIDR(cidr string) bool {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return ip.To4() != nil
}

// SameSubnet reports whether two CIDR strings describe the same network.
func SameSubnet(a, b string) bool {
	_, na, err := net.ParseCIDR(a)
	if err != nil {
		return false
	}
	_, nb, err := net.ParseCIDR(b)
	if err != nil {
		return false
	}
	return na.String() == nb.String()
}
