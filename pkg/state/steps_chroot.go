package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/spectrocloud-labs/herd"
)

// Steps that assemble the target system inside the chroot.

// ReadCodenameDagStep adds the step reading VERSION_CODENAME from the first layer os-release.
func (s *State) ReadCodenameDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpReadCodename, append(opts, s.step(cnst.OpReadCodename, func(_ context.Context) error {
		src, err := s.Resolver.FirstFile("os-release")
		if err != nil {
			return err
		}
		if src == "" {
			return cnst.ErrNoOSRelease
		}
		env, err := s.readEnv(src)
		if err != nil {
			return err
		}
		codename := strings.TrimSpace(env["VERSION_CODENAME"])
		if codename == "" {
			return fmt.Errorf("no VERSION_CODENAME in %s, add e.g. VERSION_CODENAME=bookworm", src)
		}
		s.codename = codename
		internalUtils.Log.Info().Str("codename", codename).Str("from", src).Msg("Release codename")
		return nil
	}))...)
}

func (s *State) readEnv(p string) (map[string]string, error) {
	f, err := s.FS.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return internalUtils.ReadEnv(f)
}

// PrepareChrootDagStep adds the step bootstrapping a fresh chroot with mmdebstrap.
func (s *State) PrepareChrootDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPrepareChroot, append(opts, s.step(cnst.OpPrepareChroot, func(ctx context.Context) error {
		chroot := s.Config.ChrootDir()
		if s.exists(chroot) {
			for _, m := range cnst.ChrootLeftoverMounts() {
				target := s.chrootPath(m)
				if !s.exists(target) {
					continue
				}
				if err := s.Ledger.Mounter().Unmount(s.host(target)); err != nil {
					internalUtils.Log.Debug().Err(err).Str("what", target).Msg("Leftover unmount")
				}
			}
			if err := s.FS.RemoveAll(chroot); err != nil {
				return err
			}
		}
		if err := s.mkdir(chroot); err != nil {
			return err
		}

		layerPackages, err := s.Resolver.Packages()
		if err != nil {
			return err
		}
		packages := IncludePackages(layerPackages)
		kernel, err := SignedKernel(ctx, s.Console, s.Config.Arch)
		if err != nil {
			internalUtils.Log.Warn().Err(err).Msg("Continuing without a signed kernel, Secure Boot will not work")
		} else {
			packages = append(packages, kernel)
		}

		internalUtils.Log.Info().Str("codename", s.codename).Int("packages", len(packages)).Msg("Bootstrapping base system")
		if err := s.Console.Run(ctx, "mmdebstrap", MmdebstrapArgs(s.Config, s.codename, s.host(chroot), packages)...); err != nil {
			return err
		}

		if err := s.chroot().Run(ctx, "apt-get", "clean"); err != nil {
			return err
		}
		if err := s.FS.RemoveAll(s.chrootPath("var", "lib", "apt", "lists")); err != nil {
			return err
		}

		if vmlinuz, err := s.newest(s.chrootPath("boot", "vmlinuz-*")); err != nil || vmlinuz == "" {
			internalUtils.Log.Warn().Msg("No kernel found in /boot after bootstrap")
		} else {
			internalUtils.Log.Info().Str("kernel", filepath.Base(vmlinuz)).Msg("Kernel installed")
		}
		return nil
	}))...)
}

// PreInstallHooksDagStep adds the step running the pre-install hooks with the
// virtual filesystems bound for the duration of the stage.
func (s *State) PreInstallHooksDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPreInstallHooks, append(opts, s.step(cnst.OpPreInstallHooks, func(ctx context.Context) error {
		hooks, err := s.Resolver.Hooks(cnst.HookPreInstall)
		if err != nil {
			return err
		}
		if len(hooks) == 0 {
			internalUtils.Log.Info().Str("stage", cnst.HookPreInstall).Msg("No hook scripts found")
			return nil
		}
		chroot := s.chroot()
		return chroot.RunCallback(func() error {
			return s.runHooks(ctx, chroot, cnst.HookPreInstall, hooks)
		})
	}))...)
}

// PostInstallHooksDagStep adds the step running the post-install hooks.
func (s *State) PostInstallHooksDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPostInstallHooks, append(opts, s.step(cnst.OpPostInstallHooks, func(ctx context.Context) error {
		hooks, err := s.Resolver.Hooks(cnst.HookPostInstall)
		if err != nil {
			return err
		}
		if len(hooks) == 0 {
			internalUtils.Log.Info().Str("stage", cnst.HookPostInstall).Msg("No hook scripts found")
			return nil
		}
		return s.runHooks(ctx, s.chroot(), cnst.HookPostInstall, hooks)
	}))...)
}

// runHooks copies every script to the chroot /tmp first, then runs them in order.
func (s *State) runHooks(ctx context.Context, chroot *internalUtils.Chroot, stage string, hooks []string) error {
	tmp := s.chrootPath("tmp")
	if err := s.mkdir(tmp); err != nil {
		return err
	}
	for _, h := range hooks {
		data, err := s.FS.ReadFile(h)
		if err != nil {
			return err
		}
		dest := filepath.Join(tmp, filepath.Base(h))
		if err := s.FS.WriteFile(dest, data, 0o755); err != nil {
			return err
		}
		internalUtils.Log.Debug().Str("hook", h).Str("to", dest).Msg("Hook copied")
	}
	for _, h := range hooks {
		name := filepath.Base(h)
		internalUtils.Log.Info().Str("stage", stage).Str("hook", name).Msg("Running hook")
		if err := chroot.Run(ctx, "sh", "/tmp/"+name); err != nil {
			return fmt.Errorf("hook %s: %w", h, err)
		}
	}
	return nil
}

// CopyOverlayDagStep adds the step copying every layer overlay into the chroot
// and fixing the sudoers ownership afterwards, sudo refuses to run otherwise.
func (s *State) CopyOverlayDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCopyOverlay, append(opts, s.step(cnst.OpCopyOverlay, func(ctx context.Context) error {
		overlays, err := s.Resolver.Overlays()
		if err != nil {
			return err
		}
		for _, o := range overlays {
			if err := s.copyOverlay(o); err != nil {
				return err
			}
		}

		if !s.exists(s.chrootPath("etc", "sudoers")) {
			internalUtils.Log.Warn().Msg("No /etc/sudoers in chroot, not fixing its ownership")
			return nil
		}
		chroot := s.chroot()
		for _, args := range [][]string{
			{"chown", "root:root", "/etc/sudoers"},
			{"chmod", "0440", "/etc/sudoers"},
			{"visudo", "-cf", "/etc/sudoers"},
		} {
			if err := chroot.Run(ctx, args...); err != nil {
				return err
			}
		}
		if s.exists(s.chrootPath("etc", "sudoers.d")) {
			return chroot.Run(ctx, "chown", "-R", "root:root", "/etc/sudoers.d")
		}
		return nil
	}))...)
}

// CreateUserDagStep adds the step creating the live session user.
func (s *State) CreateUserDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCreateUser, append(opts, s.step(cnst.OpCreateUser, func(ctx context.Context) error {
		user := s.Config.LiveUser
		home := filepath.Join("/home", user)
		chroot := s.chroot()

		if err := chroot.Run(ctx, "useradd", "-m", "-s", "/bin/bash", user); err != nil {
			return err
		}
		if err := chroot.Shell(ctx, fmt.Sprintf("echo %s | chpasswd", shellQuote(user+":"+s.Config.LivePassword))); err != nil {
			return err
		}
		// useradd -m sometimes leaves parts of skel behind
		if skel := s.chrootPath("etc", "skel"); s.exists(skel) {
			if _, err := s.copyTree(skel, s.chrootPath(home)); err != nil {
				return err
			}
		}
		if err := chroot.Run(ctx, "chown", "-R", fmt.Sprintf("%s:%s", user, user), home); err != nil {
			return err
		}
		internalUtils.Log.Info().Str("user", user).Msg("Live user created")
		return nil
	}))...)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// CalamaresBrandingDagStep adds the step rendering the installer branding.
func (s *State) CalamaresBrandingDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCalamaresBranding, append(opts, s.step(cnst.OpCalamaresBranding, func(_ context.Context) error {
		r, err := s.renderer()
		if errors.Is(err, cnst.ErrNoBrandGroup) {
			internalUtils.Log.Info().Msg("No brand group, skipping installer branding")
			return nil
		}
		if err != nil {
			return err
		}
		if !r.Has(brandingDescTemplate) {
			internalUtils.Log.Info().Str("brand", s.Config.Selection.Brand).Msgf("No %s, skipping installer branding", brandingDescTemplate)
			return nil
		}
		return r.Render(brandingDescTemplate, s.chrootPath("etc", "calamares", "branding", "custom", "branding.desc"))
	}))...)
}

// BindVirtualFSDagStep adds the step binding the host virtual filesystems, DNS
// configuration and apt cache into the chroot.
func (s *State) BindVirtualFSDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpBindVirtualFS, append(opts, s.step(cnst.OpBindVirtualFS, func(_ context.Context) error {
		for _, fs := range cnst.VirtualFilesystems() {
			if err := s.Ledger.Bind("/"+fs, s.host(s.chrootPath(fs))); err != nil {
				return err
			}
		}

		resolv := s.chrootPath("etc", "resolv.conf")
		if err := s.mkdir(filepath.Dir(resolv)); err != nil {
			return err
		}
		// usually a dangling link to the systemd-resolved stub
		if s.exists(resolv) {
			if err := s.FS.Remove(resolv); err != nil {
				return err
			}
		}
		if err := s.FS.WriteFile(resolv, nil, 0o644); err != nil {
			return err
		}
		if err := s.Ledger.Bind(hostResolvConf(), s.host(resolv)); err != nil {
			return err
		}

		cache := s.chrootPath(strings.TrimPrefix(cnst.HostAptCache, "/"))
		if err := s.mkdir(cache); err != nil {
			return err
		}
		return s.Ledger.Bind(cnst.HostAptCache, s.host(cache))
	}))...)
}

// SetBootTargetDagStep adds the step making the live system boot into the graphical target.
func (s *State) SetBootTargetDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpSetBootTarget, append(opts, s.step(cnst.OpSetBootTarget, func(ctx context.Context) error {
		return s.chroot().Run(ctx, "ln", "-sf", cnst.BootTarget, "/etc/systemd/system/default.target")
	}))...)
}
