package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/oyo-project/oyo-builder/pkg/brand"
	"github.com/oyo-project/oyo-builder/pkg/layers"
	"github.com/oyo-project/oyo-builder/pkg/mount"
	"github.com/oyo-project/oyo-builder/pkg/schema"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

type State struct {
	Config  schema.Config
	FS      vfs.FS                // every file read or written by the steps goes through here
	Console internalUtils.Console // host commands, including the chroot ones
	Ledger  *mount.Ledger

	LookPath func(string) (string, error)          // host command lookup, PATH with /usr/sbin by default
	Chown    func(name string, uid, gid int) error // ownership of copied overlay entries, os.Lchown by default
	Now      func() time.Time                      // build date of the rendered templates
	CPUs     int                                   // mksquashfs -processors

	Resolver *layers.Resolver

	codename string
	isoFile  string

	mu  sync.Mutex
	err error
}

// New returns a State for cfg with the default collaborators wired.
func New(cfg schema.Config, fs vfs.FS, console internalUtils.Console, ledger *mount.Ledger) *State {
	return &State{
		Config:   cfg,
		FS:       fs,
		Console:  console,
		Ledger:   ledger,
		LookPath: internalUtils.LookPathWithSbin,
		Chown:    os.Lchown,
		Now:      time.Now,
		CPUs:     runtime.NumCPU(),
		Resolver: layers.NewResolver(fs, cfg.ConfigDir(), cfg.Selection),
	}
}

func (s *State) chrootPath(p ...string) string {
	return filepath.Join(append([]string{s.Config.ChrootDir()}, p...)...)
}

func (s *State) isoPath(p ...string) string {
	return filepath.Join(append([]string{s.Config.ISODir()}, p...)...)
}

// host maps p to the path seen by host tools and syscalls.
func (s *State) host(p string) string {
	if raw, err := s.FS.RawPath(p); err == nil {
		return raw
	}
	return p
}

func (s *State) mkdir(p string) error {
	return vfs.MkdirAll(s.FS, p, 0o755)
}

func (s *State) chroot() *internalUtils.Chroot {
	return internalUtils.NewChroot(s.host(s.Config.ChrootDir()), s.Console, s.Ledger)
}

func (s *State) renderer() (*brand.Renderer, error) {
	dir, err := s.Resolver.BrandDir()
	if err != nil {
		return nil, err
	}
	return brand.Load(s.FS, dir, s.Config.BuildID, s.Now())
}

// Codename is the release codename read from os-release, once the read-codename step ran.
func (s *State) Codename() string {
	return s.codename
}

// ISOFile is the path of the produced image, once the build-iso step ran.
func (s *State) ISOFile() string {
	return s.isoFile
}

// Err returns the error of the first step that failed.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *State) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// step wraps a step callback so it is skipped once any step failed and records
// its own failure.
func (s *State) step(name string, cb func(ctx context.Context) error) herd.OpOption {
	return herd.WithCallback(func(ctx context.Context) error {
		if s.Err() != nil {
			internalUtils.Log.Debug().Str("step", name).Msg("Skipping, a previous step failed")
			return cnst.ErrStepSkipped
		}
		if err := ctx.Err(); err != nil {
			s.fail(err)
			return err
		}
		internalUtils.Log.Info().Str("step", name).Msg("Running step")
		if err := cb(ctx); err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			internalUtils.Log.Err(err).Str("step", name).Msg("Step failed")
			s.fail(err)
			return err
		}
		internalUtils.Log.Debug().Str("step", name).Msg("Step done")
		return nil
	})
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps, op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Background, op.WeakDeps, op.Executed)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error.
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
	return e
}
