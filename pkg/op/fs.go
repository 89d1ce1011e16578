package op

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/mount"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
)

// Bind returns an operation bind mounting src on dst. When src is a regular file
// dst is created as an empty file, otherwise as a directory.
func Bind(src, dst string) MountOperation {
	tmpMount := mount.Mount{
		Type:    "none",
		Source:  src,
		Options: []string{"bind"},
	}
	tmpFstab := internalUtils.MountToFstab(tmpMount)
	tmpFstab.File = dst
	return MountOperation{
		MountOption: tmpMount,
		FstabEntry:  *tmpFstab,
		Target:      dst,
		PrepareCallback: func() error {
			fi, err := os.Stat(src)
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return internalUtils.CreateIfNotExists(dst)
			}
			return touch(dst)
		},
	}
}

// Tmpfs returns an operation mounting a tmpfs of the given size on dst.
func Tmpfs(dst, size string) MountOperation {
	tmpMount := mount.Mount{
		Type:    "tmpfs",
		Source:  "tmpfs",
		Options: []string{fmt.Sprintf("size=%s", size), "mode=0755"},
	}
	tmpFstab := internalUtils.MountToFstab(tmpMount)
	tmpFstab.File = dst
	return MountOperation{
		MountOption: tmpMount,
		FstabEntry:  *tmpFstab,
		Target:      dst,
		PrepareCallback: func() error {
			return internalUtils.CreateIfNotExists(dst)
		},
	}
}

func touch(path string) error {
	if err := internalUtils.CreateIfNotExists(filepath.Dir(path)); err != nil {
		return err
	}
	// a dangling symlink (e.g. resolv.conf -> ../run/...) can't be a mount target
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
