//go:build !linux

package sysinfo

// BootID returns an empty marker on platforms without boot-time support,
// disabling the reboot warning.
func BootID() string {
	return ""
}
