package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/otiai10/copy"
	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
)

func (s *State) exists(p string) bool {
	_, err := s.FS.Lstat(p)
	return err == nil
}

// copyTree copies src over dst keeping symlinks as links. Entries are returned
// as host paths.
func (s *State) copyTree(src, dst string) ([]string, error) {
	var copied []string
	opts := copy.Options{
		OnSymlink:     func(string) copy.SymlinkAction { return copy.Shallow },
		PreserveTimes: true,
		Skip: func(srcinfo os.FileInfo, _, dest string) (bool, error) {
			if err := replaceable(srcinfo, dest); err != nil {
				return false, err
			}
			copied = append(copied, dest)
			return false, nil
		},
	}
	if err := copy.Copy(s.host(src), s.host(dst), opts); err != nil {
		return copied, fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return copied, nil
}

// replaceable removes a destination that would be written through or can't be
// replaced in place: a symlink where a file or link goes, or a file where a link goes.
// Symlinked directories are kept and followed.
func replaceable(srcinfo os.FileInfo, dest string) error {
	fi, err := os.Lstat(dest)
	if err != nil {
		return nil
	}
	srcLink := srcinfo.Mode()&os.ModeSymlink != 0
	dstLink := fi.Mode()&os.ModeSymlink != 0
	switch {
	case srcinfo.IsDir():
		return nil
	case dstLink, srcLink && !fi.IsDir():
		return os.Remove(dest)
	}
	return nil
}

// copyOverlay copies an overlay into the chroot. Every copied entry is owned by root.
func (s *State) copyOverlay(src string) error {
	copied, err := s.copyTree(src, s.Config.ChrootDir())
	if err != nil {
		return err
	}
	for _, p := range copied {
		if err := s.Chown(p, 0, 0); err != nil {
			return fmt.Errorf("setting owner of %s: %w", p, err)
		}
	}
	internalUtils.Log.Info().Str("from", src).Int("entries", len(copied)).Msg("Overlay applied")
	return nil
}

// copyFile copies a single file, following links.
func (s *State) copyFile(src, dst string) error {
	if _, err := s.FS.Stat(src); err != nil {
		return err
	}
	opts := copy.Options{
		OnSymlink: func(string) copy.SymlinkAction { return copy.Deep },
	}
	if err := copy.Copy(s.host(src), s.host(dst), opts); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	internalUtils.Log.Debug().Str("from", src).Str("to", dst).Msg("Copied")
	return nil
}

// newest returns the last match of pattern by name, or "".
func (s *State) newest(pattern string) (string, error) {
	matches, err := s.FS.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// kernel returns the newest kernel and initrd of the chroot /boot.
func (s *State) kernel() (string, string, error) {
	vmlinuz, err := s.newest(s.chrootPath("boot", "vmlinuz-*"))
	if err != nil {
		return "", "", err
	}
	initrd, err := s.newest(s.chrootPath("boot", "initrd.img-*"))
	if err != nil {
		return "", "", err
	}
	if vmlinuz == "" || initrd == "" {
		return "", "", cnst.ErrNoKernel
	}
	return vmlinuz, initrd, nil
}

// installKernel places the newest kernel and initrd in a fresh dir as vmlinuz and initrd.img.
func (s *State) installKernel(dir string) error {
	vmlinuz, initrd, err := s.kernel()
	if err != nil {
		return err
	}
	if err := s.FS.RemoveAll(dir); err != nil {
		return err
	}
	if err := s.mkdir(dir); err != nil {
		return err
	}
	if err := s.copyFile(vmlinuz, filepath.Join(dir, "vmlinuz")); err != nil {
		return err
	}
	if err := s.copyFile(initrd, filepath.Join(dir, "initrd.img")); err != nil {
		return err
	}
	internalUtils.Log.Info().Str("kernel", filepath.Base(vmlinuz)).Str("initrd", filepath.Base(initrd)).Str("to", dir).Msg("Kernel copied")
	return nil
}
