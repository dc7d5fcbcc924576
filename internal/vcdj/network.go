package vcdj

import (
	"fmt"
	"net"
)

// matchedInterface pairs a network interface with the IPv4 address on it
// that shares a network with a discovered device.
type matchedInterface struct {
	iface   net.Interface
	address *net.IPNet
}

// findMatchingInterfaces scans the local interfaces for addresses whose
// network contains the given device address. The first match is the one we
// bind to; extras are reported so the caller can warn about the duplicate
// packets they will cause.
func findMatchingInterfaces(device net.IP) (*matchedInterface, []net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate network interfaces: %w", err)
	}
	var matched *matchedInterface
	var extras []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		candidate := findMatchingAddress(device, iface)
		if candidate == nil {
			continue
		}
		if matched == nil {
			matched = &matchedInterface{iface: iface, address: candidate}
		} else {
			extras = append(extras, iface)
		}
	}
	return matched, extras, nil
}

// findMatchingAddress returns the interface's IPv4 address that shares a
// network with the device, or nil.
func findMatchingAddress(device net.IP, iface net.Interface) *net.IPNet {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		if ipnet.Contains(device) {
			return ipnet
		}
	}
	return nil
}

// broadcastAddress computes the directed broadcast address of an IPv4
// network.
func broadcastAddress(network *net.IPNet) net.IP {
	ip := network.IP.To4()
	mask := network.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	broadcast := make(net.IP, 4)
	for i := range broadcast {
		broadcast[i] = ip[i] | ^mask[i]
	}
	return broadcast
}
