package mount_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/oyo-project/oyo-builder/internal/constants"
	"github.com/oyo-project/oyo-builder/pkg/mount"
	"github.com/oyo-project/oyo-builder/pkg/op"
)

type fakeMounter struct {
	mounted   []string
	unmounted []string
	mountErr  map[string]error
	umountErr map[string]error
}

func (f *fakeMounter) Mount(m op.MountOperation) error {
	if err, ok := f.mountErr[m.Target]; ok {
		return err
	}
	f.mounted = append(f.mounted, m.Target)
	return nil
}

func (f *fakeMounter) Unmount(target string) error {
	f.unmounted = append(f.unmounted, target)
	return f.umountErr[target]
}

func (f *fakeMounter) IsMounted(target string) (bool, error) {
	for _, m := range f.mounted {
		if m == target {
			return true, nil
		}
	}
	return false, nil
}

var _ = Describe("Ledger", func() {
	var mounter *fakeMounter
	var tmpDir, file string
	var ledger *mount.Ledger

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "ledger")
		Expect(err).ToNot(HaveOccurred())
		file = filepath.Join(tmpDir, ".mounts.fstab")
		mounter = &fakeMounter{mountErr: map[string]error{}, umountErr: map[string]error{}}
		ledger = mount.NewLedger(mounter, file)
	})
	AfterEach(func() {
		_ = os.RemoveAll(tmpDir)
	})

	It("records mounts in order without duplicates", func() {
		Expect(ledger.Bind("/proc", "/w/chroot/proc")).To(Succeed())
		Expect(ledger.Bind("/sys", "/w/chroot/sys")).To(Succeed())
		Expect(ledger.Bind("/proc", "/w/chroot/proc")).To(Succeed())
		Expect(ledger.Targets()).To(Equal([]string{"/w/chroot/proc", "/w/chroot/sys"}))
	})

	It("records targets that were already mounted", func() {
		mounter.mountErr["/w"] = constants.ErrAlreadyMounted
		Expect(ledger.Mount(op.Tmpfs("/w", "8G"))).To(Succeed())
		Expect(ledger.Targets()).To(Equal([]string{"/w"}))
	})

	It("does not record failed mounts", func() {
		mounter.mountErr["/w/chroot/dev"] = errors.New("permission denied")
		err := ledger.Bind("/dev", "/w/chroot/dev")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("/w/chroot/dev"))
		Expect(ledger.Targets()).To(BeEmpty())
	})

	It("unmounts everything in reverse order and keeps going on failures", func() {
		Expect(ledger.Mount(op.Tmpfs("/w", "8G"))).To(Succeed())
		Expect(ledger.Bind("/proc", "/w/chroot/proc")).To(Succeed())
		Expect(ledger.Bind("/sys", "/w/chroot/sys")).To(Succeed())
		mounter.umountErr["/w/chroot/proc"] = errors.New("busy")

		err := ledger.UnmountAll()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("busy"))
		Expect(mounter.unmounted).To(Equal([]string{"/w/chroot/sys", "/w/chroot/proc", "/w"}))
		Expect(ledger.Targets()).To(BeEmpty())
		Expect(file).ToNot(BeAnExistingFile())
	})

	It("unmounts and forgets a single target", func() {
		Expect(ledger.Bind("/proc", "/w/chroot/proc")).To(Succeed())
		Expect(ledger.Bind("/sys", "/w/chroot/sys")).To(Succeed())
		Expect(ledger.Unmount("/w/chroot/proc")).To(Succeed())
		Expect(ledger.Targets()).To(Equal([]string{"/w/chroot/sys"}))
	})

	It("returns the error of a single unmount and keeps the entry", func() {
		Expect(ledger.Bind("/proc", "/w/chroot/proc")).To(Succeed())
		mounter.umountErr["/w/chroot/proc"] = errors.New("busy")
		Expect(ledger.Unmount("/w/chroot/proc")).ToNot(Succeed())
		Expect(ledger.Targets()).To(Equal([]string{"/w/chroot/proc"}))
	})

	It("persists entries so another ledger can recover them", func() {
		Expect(ledger.Mount(op.Tmpfs("/w", "8G"))).To(Succeed())
		Expect(ledger.Bind("/proc", "/w/chroot/proc")).To(Succeed())
		Expect(ledger.Register("/w/chroot/run")).To(Succeed())
		Expect(file).To(BeAnExistingFile())

		other := &fakeMounter{}
		recovered := mount.NewLedger(other, file)
		Expect(recovered.Load()).To(Succeed())
		Expect(recovered.Targets()).To(Equal([]string{"/w", "/w/chroot/proc", "/w/chroot/run"}))

		Expect(recovered.UnmountAll()).To(Succeed())
		Expect(other.unmounted).To(Equal([]string{"/w/chroot/run", "/w/chroot/proc", "/w"}))
		Expect(file).ToNot(BeAnExistingFile())
	})

	It("keeps the entries of a previous run when a new ledger changes the file", func() {
		Expect(ledger.Register("/w/chroot/var/cache/apt/archives")).To(Succeed())

		other := &fakeMounter{}
		next := mount.NewLedger(other, file)
		Expect(next.Bind("/proc", "/w/chroot/proc")).To(Succeed())
		Expect(next.Targets()).To(Equal([]string{"/w/chroot/var/cache/apt/archives", "/w/chroot/proc"}))
		data, err := os.ReadFile(file)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("/w/chroot/var/cache/apt/archives"))
	})

	It("unmounts the entries of a previous run before forgetting them", func() {
		Expect(ledger.Register("/w/chroot/var/cache/apt/archives")).To(Succeed())

		other := &fakeMounter{}
		next := mount.NewLedger(other, file)
		Expect(next.UnmountAll()).To(Succeed())
		Expect(other.unmounted).To(Equal([]string{"/w/chroot/var/cache/apt/archives"}))
		Expect(file).ToNot(BeAnExistingFile())
	})

	It("recovers the mounts left by a previous run", func() {
		Expect(ledger.Mount(op.Tmpfs("/w", "8G"))).To(Succeed())
		Expect(ledger.Bind("/proc", "/w/chroot/proc")).To(Succeed())

		other := &fakeMounter{}
		next := mount.NewLedger(other, file)
		Expect(next.Recover()).To(Succeed())
		Expect(other.unmounted).To(Equal([]string{"/w/chroot/proc", "/w"}))
		Expect(next.Targets()).To(BeEmpty())
		Expect(file).ToNot(BeAnExistingFile())
	})

	It("recovers nothing when there is no ledger file", func() {
		Expect(ledger.Recover()).To(Succeed())
		Expect(mounter.unmounted).To(BeEmpty())
	})

	It("loads nothing when there is no ledger file", func() {
		Expect(ledger.Load()).To(Succeed())
		Expect(ledger.Targets()).To(BeEmpty())
	})

	It("works without persistence", func() {
		l := mount.NewLedger(mounter, "")
		Expect(l.Bind("/proc", "/w/chroot/proc")).To(Succeed())
		Expect(l.UnmountAll()).To(Succeed())
		Expect(mounter.unmounted).To(Equal([]string{"/w/chroot/proc"}))
	})
})
