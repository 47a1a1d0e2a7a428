//go:build linux

package sysstats

import (
	"time"

	"golang.org/x/sys/unix"
)

func readHost(h *Host, diskPath string) error {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	h.Uptime = time.Duration(si.Uptime) * time.Second
	h.MemTotal = uint64(si.Totalram) * unit
	h.MemFree = uint64(si.Freeram) * unit
	h.Load1 = float64(si.Loads[0]) / float64(1<<16)

	var fs unix.Statfs_t
	if err := unix.Statfs(diskPath, &fs); err != nil {
		return err
	}
	h.DiskTotal = fs.Blocks * uint64(fs.Bsize)
	h.DiskFree = fs.Bavail * uint64(fs.Bsize)
	return nil
}
