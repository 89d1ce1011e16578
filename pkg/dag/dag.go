// Package dag registers the steps of each command into a herd graph.
//
// Every graph is a strict chain: each step depends on the previous one, so steps
// run one at a time in the listed order and a failure stops the chain.
package dag

import (
	"github.com/hashicorp/go-multierror"
	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	"github.com/oyo-project/oyo-builder/pkg/state"
	"github.com/spectrocloud-labs/herd"
)

type link struct {
	name string
	add  func(g *herd.Graph, opts ...herd.OpOption) error
}

// chain adds the links in order, each depending on the previous one. after is
// the step the first link depends on, if any. It returns the name of the last link.
func chain(s *state.State, g *herd.Graph, after string, links []link) (string, error) {
	var result *multierror.Error
	prev := after
	for _, l := range links {
		var opts []herd.OpOption
		if prev != "" {
			opts = append(opts, herd.WithDeps(prev))
		}
		if err := s.LogIfErrorAndReturn(l.add(g, opts...), l.name); err != nil {
			result = multierror.Append(result, err)
		}
		prev = l.name
	}
	return prev, result.ErrorOrNil()
}

func initLinks(s *state.State) []link {
	links := []link{
		{cnst.OpCheckHostDeps, s.CheckHostDepsDagStep},
		{cnst.OpCreateDirs, s.CreateDirsDagStep},
	}
	if s.Config.Tmpfs {
		links = append(links, link{cnst.OpMountTmpfs, s.MountTmpfsDagStep})
	}
	return links
}

// RegisterInit registers the steps preparing the host: tool checks, work
// directories and the optional tmpfs.
func RegisterInit(s *state.State, g *herd.Graph) error {
	_, err := chain(s, g, "", initLinks(s))
	return err
}

// RegisterBuild registers the init steps followed by the whole image build.
func RegisterBuild(s *state.State, g *herd.Graph) error {
	last, err := chain(s, g, "", initLinks(s))
	if err != nil {
		return err
	}
	_, err = chain(s, g, last, []link{
		{cnst.OpReadCodename, s.ReadCodenameDagStep},
		{cnst.OpPrepareChroot, s.PrepareChrootDagStep},
		{cnst.OpPreInstallHooks, s.PreInstallHooksDagStep},
		{cnst.OpCopyOverlay, s.CopyOverlayDagStep},
		{cnst.OpCreateUser, s.CreateUserDagStep},
		{cnst.OpCalamaresBranding, s.CalamaresBrandingDagStep},
		{cnst.OpBindVirtualFS, s.BindVirtualFSDagStep},
		{cnst.OpPostInstallHooks, s.PostInstallHooksDagStep},
		{cnst.OpSetBootTarget, s.SetBootTargetDagStep},
		{cnst.OpApplyOSRelease, s.ApplyOSReleaseDagStep},
		{cnst.OpCopyLiveKernel, s.CopyLiveKernelDagStep},
		{cnst.OpPrepareISORoot, s.PrepareISORootDagStep},
		{cnst.OpBootBranding, s.BootBrandingDagStep},
		{cnst.OpCopyISOKernel, s.CopyISOKernelDagStep},
		{cnst.OpUnmountVirtualFS, s.UnmountVirtualFSDagStep},
		{cnst.OpBuildSquashfs, s.BuildSquashfsDagStep},
		{cnst.OpBuildISO, s.BuildISODagStep},
	})
	return err
}

// RegisterClean registers the steps undoing every mount a build may have left
// behind and resetting the work directory.
func RegisterClean(s *state.State, g *herd.Graph) error {
	_, err := chain(s, g, "", []link{
		{cnst.OpUnmountLedger, s.UnmountLedgerDagStep},
		{cnst.OpUnmountChroot, s.UnmountChrootDagStep},
		{cnst.OpUnmountWork, s.UnmountWorkDagStep},
		{cnst.OpResetWork, s.ResetWorkDagStep},
	})
	return err
}
