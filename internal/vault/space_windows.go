//go:build windows

package vault

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// FreeSpace returns the free bytes available to this process on the vault
// mount.
func (v *Vault) FreeSpace() (uint64, error) {
	var free, total, totalFree uint64

	root, err := windows.UTF16PtrFromString(v.root)
	if err != nil {
		return 0, fmt.Errorf("failed to encode vault root: %w", err)
	}

	if err := windows.GetDiskFreeSpaceEx(root, &free, &total, &totalFree); err != nil {
		return 0, fmt.Errorf("failed to query free disk space: %w", err)
	}

	return free, nil
}
