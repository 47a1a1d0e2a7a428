//go:build darwin

package sysstats

import (
	"golang.org/x/sys/unix"
)

// readHost reports disk usage only; memory and uptime need
// platform-specific sources that are not wired here.
func readHost(h *Host, diskPath string) error {
	var fs unix.Statfs_t
	if err := unix.Statfs(diskPath, &fs); err != nil {
		return err
	}
	h.DiskTotal = fs.Blocks * uint64(fs.Bsize)
	h.DiskFree = fs.Bavail * uint64(fs.Bsize)
	return nil
}
