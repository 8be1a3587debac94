//go:build !linux

package topology

import (
	"fmt"
	"net"
)

// Discover lists up, non-loopback interfaces with unknown NUMA affinity.
// Platforms without sysfs expose no RDMA devices.
func Discover() ([]NIC, []Device, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("list interfaces: %w", err)
	}
	var nics []NIC
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		nics = append(nics, NIC{Name: iface.Name, NUMANode: -1})
	}
	return nics, []Device{{Location: "cpu:0", NUMANode: 0}}, nil
}
