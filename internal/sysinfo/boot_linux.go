//go:build linux

// Package sysinfo reports when the machine last booted, so stale pids
// recorded before a reboot can be flagged.
package sysinfo

import (
	"time"

	"golang.org/x/sys/unix"
)

// BootID returns a marker that changes across reboots, derived from the
// system boot time at second resolution. Empty when unavailable.
func BootID() string {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return ""
	}
	boot := time.Now().Add(-time.Duration(info.Uptime) * time.Second)
	return boot.UTC().Truncate(time.Minute).Format(time.RFC3339)
}
