package mount

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mount performs the mount syscall, creating the target first. Read-only
// bind mounts need a second remount to take effect.
func (m *Mount) Mount() error {
	if err := os.MkdirAll(m.Target, 0o755); err != nil {
		return err
	}
	if err := unix.Mount(m.Source, m.Target, m.FsType, uintptr(m.Flags), m.Data); err != nil {
		return fmt.Errorf("mount %s: %w", m, err)
	}
	const bindRo = unix.MS_BIND | unix.MS_RDONLY
	if m.Flags&bindRo == bindRo {
		if err := unix.Mount("", m.Target, m.FsType, uintptr(m.Flags|unix.MS_REMOUNT), m.Data); err != nil {
			return fmt.Errorf("remount %s: %w", m, err)
		}
	}
	return nil
}

// PrepareRoot stops mount propagation to the host and binds rootfs onto
// itself so it is a mount point, a pivot_root precondition.
func PrepareRoot(rootfs string) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}
	if err := unix.Mount(rootfs, rootfs, "bind", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind rootfs %s: %w", rootfs, err)
	}
	return nil
}

// PivotRoot makes rootfs the new root mount and detaches the old one.
func PivotRoot(rootfs string) error {
	oldRoot, err := unix.Open("/", unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open old root: %w", err)
	}
	defer unix.Close(oldRoot)

	newRoot, err := unix.Open(rootfs, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open new root %s: %w", rootfs, err)
	}
	defer unix.Close(newRoot)

	if err := unix.Fchdir(newRoot); err != nil {
		return err
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	// the old root is stacked under the new one: unmount it lazily
	if err := unix.Fchdir(oldRoot); err != nil {
		return err
	}
	if err := unix.Mount("", ".", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make old root slave: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	return unix.Chdir("/")
}

// MoveRoot switches into rootfs with a move mount instead of pivot_root,
// for environments (initramfs) where pivot is not available.
func MoveRoot(rootfs string) error {
	if err := unix.Chdir(rootfs); err != nil {
		return err
	}
	if err := unix.Mount(rootfs, "/", "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move mount %s: %w", rootfs, err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	return unix.Chdir("/")
}
