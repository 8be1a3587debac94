//go:build linux

package topology

// Discover reads the local hardware topology from sysfs.
func Discover() ([]NIC, []Device, error) {
	return DiscoverSysfs(DefaultSysfsRoot)
}
