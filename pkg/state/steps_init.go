package state

import (
	"context"

	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/oyo-project/oyo-builder/pkg/op"
	"github.com/spectrocloud-labs/herd"
)

// CheckHostDepsDagStep adds the step verifying every host tool the build shells out to.
func (s *State) CheckHostDepsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCheckHostDeps, append(opts, s.step(cnst.OpCheckHostDeps, func(_ context.Context) error {
		return internalUtils.MissingCommands(cnst.RequiredCommands(), s.LookPath)
	}))...)
}

// CreateDirsDagStep adds the step creating the work and log directories.
func (s *State) CreateDirsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCreateDirs, append(opts, s.step(cnst.OpCreateDirs, func(_ context.Context) error {
		return s.createDirs()
	}))...)
}

func (s *State) createDirs() error {
	for _, d := range []string{s.Config.WorkDir(), s.Config.ISODir(), s.Config.ChrootDir(), s.Config.LogDir()} {
		if err := s.mkdir(d); err != nil {
			return err
		}
	}
	internalUtils.Log.Info().Str("work", s.Config.WorkDir()).Str("log", s.Config.LogDir()).Msg("Created directories")
	return nil
}

// MountTmpfsDagStep adds the step mounting a tmpfs over the work directory.
func (s *State) MountTmpfsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpMountTmpfs, append(opts, s.step(cnst.OpMountTmpfs, func(_ context.Context) error {
		work := s.Config.WorkDir()
		if err := s.Ledger.Mount(op.Tmpfs(s.host(work), s.Config.TmpfsSize)); err != nil {
			return err
		}
		internalUtils.Log.Info().Str("where", work).Str("size", s.Config.TmpfsSize).Msg("tmpfs mounted")
		// the tmpfs hides whatever create-dirs made
		return s.createDirs()
	}))...)
}
