package constants

import "errors"

// RequiredCommands lists the host tools the build shells out to.
func RequiredCommands() []string {
	return []string{
		"mmdebstrap",
		"grub-mkrescue",
		"mksquashfs",
		"apt-cache",
		"chroot",
		"useradd",
		"chpasswd",
		"sh",
	}
}

// BasePackages are always passed to mmdebstrap, otherwise non-debian hosts fail on missing keys.
func BasePackages() []string {
	return []string{"bash", "coreutils", "debian-archive-keyring"}
}

// SignedKernelCandidates are tried in order before falling back to apt-cache search.
func SignedKernelCandidates() []string {
	return []string{
		"linux-image-amd64-signed",
		"linux-signed-image-amd64",
		"linux-image-6.1.0-amd64-signed",
		"linux-image-6.6.0-amd64-signed",
	}
}

// ChrootLeftoverMounts are unmounted (lazily, errors ignored) before the chroot is removed.
func ChrootLeftoverMounts() []string {
	return []string{"var/cache/apt/archives", "etc/resolv.conf", "dev/pts", "dev/shm", "dev/mqueue", "dev/hugepages", "dev", "sys", "proc", "run"}
}

// CleanMounts are unmounted by the clean command.
func CleanMounts() []string {
	return []string{"var/cache/apt/archives", "etc/resolv.conf", "dev/pts", "dev/mqueue", "dev/hugepages", "dev/shm", "dev", "sys", "proc"}
}

// VirtualFilesystems are bound from the host into the chroot.
func VirtualFilesystems() []string {
	return []string{"proc", "sys", "dev"}
}

// ISORootPaths are the only chroot subtrees copied into the ISO root.
func ISORootPaths() []string {
	return []string{"EFI", "usr/lib/grub", "usr/lib/shim", "usr/share/grub", "usr/share/shim", "live"}
}

var (
	ErrAlreadyMounted = errors.New("already mounted")
	ErrNoBrandGroup   = errors.New("no *_brand directory under config")
	ErrNoOSRelease    = errors.New("no os-release found in any configuration layer")
	ErrNoKernel       = errors.New("no vmlinuz-* or initrd.img-* found in boot")
	ErrNoSignedKernel = errors.New("no Secure Boot compatible signed kernel found")
	ErrStepSkipped    = errors.New("skipped, a previous step failed")
)

const (
	OpCheckHostDeps = "check-host-deps"
	OpCreateDirs    = "create-dirs"
	OpMountTmpfs    = "mount-tmpfs"

	OpReadCodename      = "read-codename"
	OpPrepareChroot     = "prepare-chroot"
	OpPreInstallHooks   = "pre-install-hooks"
	OpCopyOverlay       = "copy-overlay"
	OpCreateUser        = "create-user"
	OpCalamaresBranding = "calamares-branding"
	OpBindVirtualFS     = "bind-virtual-fs"
	OpPostInstallHooks  = "post-install-hooks"
	OpSetBootTarget     = "set-boot-target"
	OpApplyOSRelease    = "apply-os-release"
	OpCopyLiveKernel    = "copy-live-kernel"
	OpPrepareISORoot    = "prepare-iso-root"
	OpBootBranding      = "apply-boot-branding"
	OpCopyISOKernel     = "copy-iso-kernel"
	OpUnmountVirtualFS  = "unmount-virtual-fs"
	OpBuildSquashfs     = "build-squashfs"
	OpBuildISO          = "build-iso"

	OpUnmountLedger = "unmount-ledger"
	OpUnmountChroot = "unmount-chroot"
	OpUnmountWork   = "unmount-work"
	OpResetWork     = "reset-work"

	HookPreInstall  = "pre-install"
	HookPostInstall = "post-install"

	ConfigDir  = "config"
	WorkDir    = "work"
	ChrootDir  = "chroot"
	ISODir     = "iso"
	LogDir     = "log"
	LedgerFile = ".mounts.fstab"

	DefaultFlavor       = "common"
	DefaultLang         = "en"
	DefaultBrand        = "default"
	DefaultTmpfsSize    = "8G"
	DefaultLiveUser     = "live"
	DefaultLivePassword = "live"
	DefaultArch         = "amd64"
	DefaultMirror       = "http://deb.debian.org/debian"
	DefaultKeyring      = "/usr/share/keyrings/debian-archive-keyring.gpg"
	DefaultTheme        = "default"

	BootTarget = "/lib/systemd/system/graphical.target"

	SystemdResolvConf = "/run/systemd/resolve/resolv.conf"
	HostResolvConf    = "/etc/resolv.conf"
	HostAptCache      = "/var/cache/apt/archives"

	SignedGrub = "usr/lib/grub/x86_64-efi-signed/grubx64.efi.signed"
	SignedShim = "usr/lib/shim/shimx64.efi.signed"
	MokManager = "usr/lib/shim/mmx64.efi"

	GrubModules = "normal configfile iso9660 part_msdos loopback search"
)
