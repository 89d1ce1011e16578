// Package mount keeps the ledger of every mount the builder performs, so they can
// be lazily unmounted at exit, on explicit cleanup, or by a later clean run.
package mount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/sys/mountinfo"
	"github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/oyo-project/oyo-builder/pkg/op"
	"github.com/oyo-project/oyo-builder/pkg/schema"
	"golang.org/x/sys/unix"
)

// Mounter does the actual mount syscalls.
type Mounter interface {
	Mount(m op.MountOperation) error
	Unmount(target string) error
	IsMounted(target string) (bool, error)
}

// SystemMounter is the Mounter acting on the host.
type SystemMounter struct{}

func (SystemMounter) Mount(m op.MountOperation) error {
	return m.Run()
}

// Unmount detaches target lazily, so busy mounts never block the build teardown.
func (SystemMounter) Unmount(target string) error {
	return mount.Unmount(target, unix.MNT_DETACH)
}

func (SystemMounter) IsMounted(target string) (bool, error) {
	return mountinfo.Mounted(target)
}

// Ledger is the ordered set of mounts made by this process.
type Ledger struct {
	mu      sync.Mutex
	mounter Mounter
	file    string
	entries schema.FsTabs
	loaded  bool
}

// NewLedger returns a ledger persisted to file. An empty file disables persistence.
func NewLedger(mounter Mounter, file string) *Ledger {
	return &Ledger{mounter: mounter, file: file}
}

// Mounter returns the mounter used by the ledger.
func (l *Ledger) Mounter() Mounter {
	return l.mounter
}

// Mount runs m and records its target. A target that is already mounted is
// recorded as well, it will be unmounted with the rest.
func (l *Ledger) Mount(m op.MountOperation) error {
	if err := l.Load(); err != nil {
		return err
	}
	err := l.mounter.Mount(m)
	if err != nil && !errors.Is(err, constants.ErrAlreadyMounted) {
		return fmt.Errorf("mounting %s on %s: %w", m.MountOption.Source, m.Target, err)
	}
	if err != nil {
		internalUtils.Log.Warn().Str("where", m.Target).Msg("Target already mounted, recording it anyway")
	}
	entry := m.FstabEntry
	entry.File = m.Target
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(&entry)
	return l.persist()
}

// Bind bind-mounts src on dst and records it.
func (l *Ledger) Bind(src, dst string) error {
	return l.Mount(op.Bind(src, dst))
}

// Register records a mount performed outside of the ledger.
func (l *Ledger) Register(target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(); err != nil {
		return err
	}
	l.add(&fstab.Mount{Spec: "none", File: target, VfsType: "none", MntOps: map[string]string{"defaults": ""}})
	return l.persist()
}

func (l *Ledger) add(entry *fstab.Mount) {
	for _, e := range l.entries {
		if e.File == entry.File {
			internalUtils.Log.Debug().Str("where", entry.File).Msg("Mount already in ledger, not adding")
			return
		}
	}
	internalUtils.Log.Debug().Str("entry", entry.String()).Msg("Adding mount to ledger")
	l.entries = append(l.entries, entry)
}

// Targets returns the recorded mount targets in registration order.
func (l *Ledger) Targets() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.File)
	}
	return out
}

// Unmount lazily unmounts one target and forgets it.
func (l *Ledger) Unmount(target string) error {
	internalUtils.Log.Debug().Str("what", target).Msg("Unmounting")
	if err := l.mounter.Unmount(target); err != nil {
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(); err != nil {
		return err
	}
	for i, e := range l.entries {
		if e.File == target {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	return l.persist()
}

// UnmountAll lazily unmounts every recorded target in reverse order. Failures do
// not stop the loop, they are returned together once everything was attempted.
func (l *Ledger) UnmountAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result *multierror.Error
	if err := l.load(); err != nil {
		result = multierror.Append(result, err)
	}
	for i := len(l.entries) - 1; i >= 0; i-- {
		target := l.entries[i].File
		if err := l.mounter.Unmount(target); err != nil {
			internalUtils.Log.Debug().Err(err).Str("what", target).Msg("Unmount failed")
			result = multierror.Append(result, fmt.Errorf("unmounting %s: %w", target, err))
			continue
		}
		internalUtils.Log.Debug().Str("what", target).Msg("Unmounted")
	}
	l.entries = nil
	if err := l.persist(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Load reads the entries left in the ledger file by a previous run. The file is
// read once, every change before that loads it first so it is never overwritten.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Ledger) load() error {
	if l.loaded || l.file == "" {
		return nil
	}
	if _, err := os.Stat(l.file); os.IsNotExist(err) {
		l.loaded = true
		return nil
	}
	mounts, err := fstab.ParseFile(l.file)
	if err != nil {
		return fmt.Errorf("reading mount ledger %s: %w", l.file, err)
	}
	for _, m := range mounts {
		l.add(m)
	}
	l.loaded = true
	return nil
}

// Recover unmounts whatever a previous run left in the ledger file.
func (l *Ledger) Recover() error {
	if err := l.Load(); err != nil {
		return err
	}
	targets := l.Targets()
	if len(targets) == 0 {
		return nil
	}
	internalUtils.Log.Info().Strs("targets", targets).Msg("Unmounting mounts left by a previous run")
	return l.UnmountAll()
}

func (l *Ledger) persist() error {
	if l.file == "" {
		return nil
	}
	if len(l.entries) == 0 {
		if err := os.Remove(l.file); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	var sb strings.Builder
	for _, e := range l.entries {
		sb.WriteString(e.String())
		sb.WriteString("\n")
	}
	if err := internalUtils.CreateIfNotExists(filepath.Dir(l.file)); err != nil {
		return err
	}
	return os.WriteFile(l.file, []byte(sb.String()), 0o644)
}
