//go:build unix

package vault

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeSpace returns the free bytes available to this process on the vault
// mount.
func (v *Vault) FreeSpace() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(v.root, &st); err != nil {
		return 0, fmt.Errorf("failed to statfs vault root: %w", err)
	}

	return st.Bavail * uint64(st.Bsize), nil
}
