package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where Linux exposes device topology.
const DefaultSysfsRoot = "/sys"

// PCI class prefixes of accelerators (3D and display controllers).
var acceleratorClasses = []string{"0x0302", "0x0300", "0x1200"}

// DiscoverSysfs reads NICs and compute localities from a sysfs tree rooted
// at root. Missing directories are treated as empty.
func DiscoverSysfs(root string) ([]NIC, []Device, error) {
	var nics []NIC

	rdmaDevs, err := readDirNames(filepath.Join(root, "class", "infiniband"))
	if err != nil {
		return nil, nil, err
	}
	for _, name := range rdmaDevs {
		nics = append(nics, NIC{
			Name:     name,
			NUMANode: readNUMANode(filepath.Join(root, "class", "infiniband", name, "device", "numa_node")),
			RDMA:     true,
		})
	}

	netDevs, err := readDirNames(filepath.Join(root, "class", "net"))
	if err != nil {
		return nil, nil, err
	}
	for _, name := range netDevs {
		devDir := filepath.Join(root, "class", "net", name, "device")
		if _, err := os.Stat(devDir); err != nil {
			continue // virtual interface
		}
		nics = append(nics, NIC{
			Name:     name,
			NUMANode: readNUMANode(filepath.Join(devDir, "numa_node")),
		})
	}

	var devices []Device
	nodeDirs, err := readDirNames(filepath.Join(root, "devices", "system", "node"))
	if err != nil {
		return nil, nil, err
	}
	for _, name := range nodeDirs {
		idx, ok := strings.CutPrefix(name, "node")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		devices = append(devices, Device{Location: fmt.Sprintf("cpu:%d", n), NUMANode: n})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].NUMANode < devices[j].NUMANode })

	pciDevs, err := readDirNames(filepath.Join(root, "bus", "pci", "devices"))
	if err != nil {
		return nil, nil, err
	}
	gpu := 0
	for _, addr := range pciDevs {
		dir := filepath.Join(root, "bus", "pci", "devices", addr)
		class, err := os.ReadFile(filepath.Join(dir, "class"))
		if err != nil || !isAccelerator(strings.TrimSpace(string(class))) {
			continue
		}
		devices = append(devices, Device{
			Location: fmt.Sprintf("gpu:%d", gpu),
			NUMANode: readNUMANode(filepath.Join(dir, "numa_node")),
		})
		gpu++
	}

	return nics, devices, nil
}

func isAccelerator(class string) bool {
	for _, prefix := range acceleratorClasses {
		if strings.HasPrefix(class, prefix) {
			return true
		}
	}
	return false
}

// readDirNames lists a directory sorted by name; a missing directory is empty.
func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func readNUMANode(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1
	}
	return n
}
