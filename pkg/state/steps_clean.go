package state

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/spectrocloud-labs/herd"
)

// Steps of the clean command. Unmount failures are logged, never fatal.

var errStillMounted = errors.New("still mounted")

// UnmountLedgerDagStep adds the step unmounting whatever a previous run left in the ledger file.
func (s *State) UnmountLedgerDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpUnmountLedger, append(opts, s.step(cnst.OpUnmountLedger, func(_ context.Context) error {
		s.LogIfError(s.Ledger.Recover(), "unmounting ledger")
		return nil
	}))...)
}

// UnmountChrootDagStep adds the step detaching the well known chroot mounts.
func (s *State) UnmountChrootDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpUnmountChroot, append(opts, s.step(cnst.OpUnmountChroot, func(_ context.Context) error {
		for _, m := range cnst.CleanMounts() {
			target := s.chrootPath(m)
			if !s.exists(target) {
				continue
			}
			if err := s.Ledger.Mounter().Unmount(s.host(target)); err != nil {
				internalUtils.Log.Debug().Err(err).Str("what", target).Msg("Unmount")
			}
		}
		return nil
	}))...)
}

// UnmountWorkDagStep adds the step detaching the work directory until it is no
// longer a mount point, a tmpfs may have been stacked by several builds.
func (s *State) UnmountWorkDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpUnmountWork, append(opts, s.step(cnst.OpUnmountWork, func(ctx context.Context) error {
		work := s.Config.WorkDir()
		if !s.exists(work) {
			return nil
		}
		mounter := s.Ledger.Mounter()
		err := retry.Do(func() error {
			mounted, err := mounter.IsMounted(s.host(work))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !mounted {
				return nil
			}
			internalUtils.Log.Info().Str("what", work).Msg("Unmounting work directory")
			if err := mounter.Unmount(s.host(work)); err != nil {
				return retry.Unrecoverable(err)
			}
			return errStillMounted
		},
			retry.Context(ctx),
			retry.Attempts(16),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		)
		s.LogIfError(err, "unmounting work directory")
		return nil
	}))...)
}

// ResetWorkDagStep adds the step removing and recreating the work directory.
func (s *State) ResetWorkDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpResetWork, append(opts, s.step(cnst.OpResetWork, func(_ context.Context) error {
		work := s.Config.WorkDir()
		if err := s.FS.RemoveAll(work); err != nil {
			return err
		}
		if err := s.mkdir(work); err != nil {
			return err
		}
		internalUtils.Log.Info().Str("work", work).Msg("Cleaned work directory")
		return nil
	}))...)
}
