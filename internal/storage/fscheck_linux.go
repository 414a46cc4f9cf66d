//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

const (
	linuxNFSMagic  = 0x6969
	linuxCIFSMagic = 0xFF534D42
	linuxSMBMagic  = 0x517B
	linuxSMB2Magic = 0xFE534D42

	linuxExt4Magic    = 0xEF53
	linuxTmpfsMagic   = 0x01021994
	linuxXFSMagic     = 0x58465342
	linuxBtrfsMagic   = 0x9123683E
	linuxOverlayMagic = 0x794C7630
)

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	switch uint64(stat.Type) {
	case linuxNFSMagic:
		return "nfs", nil
	case linuxCIFSMagic:
		return "cifs", nil
	case linuxSMBMagic:
		return "smbfs", nil
	case linuxSMB2Magic:
		return "smb2", nil
	case linuxExt4Magic:
		return "ext4", nil
	case linuxTmpfsMagic:
		return "tmpfs", nil
	case linuxXFSMagic:
		return "xfs", nil
	case linuxBtrfsMagic:
		return "btrfs", nil
	case linuxOverlayMagic:
		return "overlay", nil
	default:
		return fmt.Sprintf("0x%x", uint64(stat.Type)), nil
	}
}
