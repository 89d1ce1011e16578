package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/oyo-project/oyo-builder/pkg/brand"
	"github.com/spectrocloud-labs/herd"
)

// Steps that turn the chroot into a bootable image.

const (
	brandingDescTemplate  = "branding.desc.tmpl"
	osReleaseTemplate     = "os-release.conf.tmpl"
	plymouthThemeTemplate = "plymouth-theme.conf.tmpl"
	plymouthTemplates     = "plymouth-*.conf.tmpl"
	grubTemplate          = "grub.cfg.tmpl"
)

func hostResolvConf() string {
	if _, err := os.Stat(cnst.SystemdResolvConf); err == nil {
		return cnst.SystemdResolvConf
	}
	return cnst.HostResolvConf
}

// optionalRenderer returns nil when there is no brand group.
func (s *State) optionalRenderer() (*brand.Renderer, error) {
	r, err := s.renderer()
	if errors.Is(err, cnst.ErrNoBrandGroup) {
		internalUtils.Log.Info().Msg("No brand group under config, nothing to render")
		return nil, nil
	}
	return r, err
}

// ApplyOSReleaseDagStep adds the step writing /etc/os-release, rendered from the
// brand or copied from the first layer that has one.
func (s *State) ApplyOSReleaseDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpApplyOSRelease, append(opts, s.step(cnst.OpApplyOSRelease, func(_ context.Context) error {
		dest := s.chrootPath("etc", "os-release")
		r, err := s.optionalRenderer()
		if err != nil {
			return err
		}
		if r != nil && r.Has(osReleaseTemplate) {
			return r.Render(osReleaseTemplate, dest)
		}

		src, err := s.Resolver.FirstFile("os-release")
		if err != nil {
			return err
		}
		if src == "" {
			return cnst.ErrNoOSRelease
		}
		// the base system ships os-release as a link into /usr/lib
		if err := s.FS.Remove(dest); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := s.copyFile(src, dest); err != nil {
			return err
		}
		internalUtils.Log.Info().Str("from", src).Msg("Applied os-release")
		return nil
	}))...)
}

// CopyLiveKernelDagStep adds the step placing the newest kernel under the chroot /live.
func (s *State) CopyLiveKernelDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCopyLiveKernel, append(opts, s.step(cnst.OpCopyLiveKernel, func(_ context.Context) error {
		return s.installKernel(s.chrootPath("live"))
	}))...)
}

// PrepareISORootDagStep adds the step creating the ISO root from the chroot boot
// files and the Secure Boot chain.
func (s *State) PrepareISORootDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPrepareISORoot, append(opts, s.step(cnst.OpPrepareISORoot, func(_ context.Context) error {
		iso := s.Config.ISODir()
		if err := s.FS.RemoveAll(iso); err != nil {
			return err
		}
		if err := s.mkdir(iso); err != nil {
			return err
		}
		for _, p := range cnst.ISORootPaths() {
			src := s.chrootPath(p)
			if !s.exists(src) {
				internalUtils.Log.Debug().Str("path", p).Msg("Not in chroot, not copied to the ISO root")
				continue
			}
			if _, err := s.copyTree(src, s.isoPath(p)); err != nil {
				return err
			}
		}

		efiBoot := s.isoPath("EFI", "BOOT")
		if err := s.mkdir(efiBoot); err != nil {
			return err
		}
		for _, f := range [][2]string{
			{cnst.SignedGrub, "grubx64.efi"},
			{cnst.SignedShim, "BOOTX64.EFI"},
			{cnst.MokManager, "mmx64.efi"},
		} {
			if err := s.copyFile(s.chrootPath(f[0]), filepath.Join(efiBoot, f[1])); err != nil {
				return fmt.Errorf("secure boot chain: %w", err)
			}
		}
		internalUtils.Log.Info().Str("iso", iso).Msg("ISO root prepared")
		return nil
	}))...)
}

// BootBrandingDagStep adds the step rendering the plymouth and grub templates.
// A grub.cfg in the ISO root is mandatory, it is also placed for UEFI boot.
func (s *State) BootBrandingDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpBootBranding, append(opts, s.step(cnst.OpBootBranding, func(_ context.Context) error {
		grubCfg := s.isoPath("boot", "grub", "grub.cfg")
		r, err := s.optionalRenderer()
		if err != nil {
			return err
		}
		if r != nil {
			if r.Has(plymouthThemeTemplate) {
				theme := r.Theme(cnst.DefaultTheme)
				if err := r.Render(plymouthThemeTemplate, s.chrootPath("usr", "share", "plymouth", "themes", theme, "theme")); err != nil {
					return err
				}
			}
			names, err := r.Templates(plymouthTemplates)
			if err != nil {
				return err
			}
			for _, name := range names {
				if err := r.Render(name, s.chrootPath("etc", "plymouth", strings.TrimSuffix(name, brand.Extension))); err != nil {
					return err
				}
			}
			if r.Has(grubTemplate) {
				if err := r.Render(grubTemplate, grubCfg); err != nil {
					return err
				}
			}
		}

		if !s.exists(grubCfg) {
			return fmt.Errorf("no grub.cfg at %s, add %s to the brand templates", grubCfg, grubTemplate)
		}
		return s.copyFile(grubCfg, s.isoPath("EFI", "BOOT", "grub.cfg"))
	}))...)
}

// CopyISOKernelDagStep adds the step placing the newest kernel under the ISO /live.
func (s *State) CopyISOKernelDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCopyISOKernel, append(opts, s.step(cnst.OpCopyISOKernel, func(_ context.Context) error {
		return s.installKernel(s.isoPath("live"))
	}))...)
}

// UnmountVirtualFSDagStep adds the step detaching the chroot binds so they don't
// end up in the squashfs.
func (s *State) UnmountVirtualFSDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpUnmountVirtualFS, append(opts, s.step(cnst.OpUnmountVirtualFS, func(_ context.Context) error {
		var result *multierror.Error
		targets := []string{strings.TrimPrefix(cnst.HostAptCache, "/"), "etc/resolv.conf"}
		for i := len(cnst.VirtualFilesystems()) - 1; i >= 0; i-- {
			targets = append(targets, cnst.VirtualFilesystems()[i])
		}
		for _, t := range targets {
			if err := s.Ledger.Unmount(s.host(s.chrootPath(t))); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}))...)
}

// BuildSquashfsDagStep adds the step archiving the chroot into the live filesystem.
func (s *State) BuildSquashfsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpBuildSquashfs, append(opts, s.step(cnst.OpBuildSquashfs, func(ctx context.Context) error {
		squashfs := s.isoPath("live", "filesystem.squashfs")
		if err := s.mkdir(filepath.Dir(squashfs)); err != nil {
			return err
		}
		cpus := s.CPUs
		if cpus < 1 {
			cpus = 1
		}
		err := s.Console.Run(ctx, "mksquashfs",
			s.host(s.Config.ChrootDir()),
			s.host(squashfs),
			"-comp", "xz", "-Xdict-size", "100%",
			"-processors", strconv.Itoa(cpus),
			"-e", "live",
		)
		if err != nil {
			return err
		}
		internalUtils.Log.Info().Str("squashfs", squashfs).Msg("Squashfs image created")
		return nil
	}))...)
}

// BuildISODagStep adds the step authoring the hybrid BIOS/UEFI image.
func (s *State) BuildISODagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpBuildISO, append(opts, s.step(cnst.OpBuildISO, func(ctx context.Context) error {
		name, err := s.isoName()
		if err != nil {
			return err
		}
		isoFile := filepath.Join(s.Config.Root, name)
		err = s.Console.Run(ctx, "grub-mkrescue",
			"--output", s.host(isoFile),
			"--compress=xz",
			fmt.Sprintf("--modules=%s", cnst.GrubModules),
			s.host(s.Config.ISODir()),
		)
		if err != nil {
			return err
		}
		s.isoFile = isoFile
		internalUtils.Log.Info().Str("iso", isoFile).Msg("ISO image created")
		return nil
	}))...)
}

// isoName derives the image file name from the chroot os-release, or the layers one.
func (s *State) isoName() (string, error) {
	src := s.chrootPath("etc", "os-release")
	if !s.exists(src) {
		var err error
		src, err = s.Resolver.FirstFile("os-release")
		if err != nil {
			return "", err
		}
		if src == "" {
			return "", cnst.ErrNoOSRelease
		}
	}
	env, err := s.readEnv(src)
	if err != nil {
		return "", err
	}
	return internalUtils.ISOFileName(env, s.Config.Selection.Lang), nil
}
