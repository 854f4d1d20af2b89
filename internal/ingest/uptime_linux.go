//go:build linux

package ingest

import (
	"time"

	"golang.org/x/sys/unix"
)

func monotonicUptime() time.Duration {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return time.Duration(info.Uptime) * time.Second
}
