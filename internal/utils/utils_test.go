package utils_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/containerd/mount"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/oyo-project/oyo-builder/internal/utils"
)

type fakeBinder struct {
	calls   []string
	failOn  string
	unbound []string
}

func (b *fakeBinder) Bind(src, dst string) error {
	if dst == b.failOn {
		return errors.New("bind failed")
	}
	b.calls = append(b.calls, src+" "+dst)
	return nil
}

func (b *fakeBinder) Unmount(dst string) error {
	b.unbound = append(b.unbound, dst)
	return nil
}

type fakeConsole struct {
	cmds []string
	err  error
}

func (c *fakeConsole) Run(_ context.Context, name string, args ...string) error {
	c.cmds = append(c.cmds, utils.CommandLine(name, args...))
	return c.err
}

func (c *fakeConsole) Output(_ context.Context, name string, args ...string) (string, error) {
	c.cmds = append(c.cmds, utils.CommandLine(name, args...))
	return "", c.err
}

var _ = Describe("utils", func() {
	Context("ReadEnv", func() {
		It("Parses correctly an os-release file", func() {
			env, err := utils.ReadEnv(strings.NewReader("NAME=\"Oyo Linux\"\nVERSION_ID=1.0\n# comment\nID=oyo\n"))
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(HaveKeyWithValue("NAME", "Oyo Linux"))
			Expect(env).To(HaveKeyWithValue("VERSION_ID", "1.0"))
			Expect(env).To(HaveKeyWithValue("ID", "oyo"))
		})
	})
	Context("ISOFileName", func() {
		It("Joins name, version and language", func() {
			name := utils.ISOFileName(map[string]string{"NAME": "Oyo Linux", "VERSION_ID": "1.0"}, "en")
			Expect(name).To(Equal("oyo-linux-1.0-en.iso"))
		})
		It("Skips the version when missing", func() {
			Expect(utils.ISOFileName(map[string]string{"NAME": "Oyo"}, "de")).To(Equal("oyo-de.iso"))
		})
		It("Falls back to a generic name", func() {
			Expect(utils.ISOFileName(map[string]string{}, "en")).To(Equal("os-en.iso"))
		})
		It("Collapses unsafe characters", func() {
			name := utils.ISOFileName(map[string]string{"NAME": "My/OS beta", "VERSION_ID": "2"}, "fr")
			Expect(name).To(Equal("my-os-beta-2-fr.iso"))
		})
	})
	Context("MissingCommands", func() {
		It("Returns nil when everything is present", func() {
			err := utils.MissingCommands([]string{"sh", "chroot"}, func(s string) (string, error) { return "/usr/bin/" + s, nil })
			Expect(err).ToNot(HaveOccurred())
		})
		It("Lists every missing command", func() {
			err := utils.MissingCommands([]string{"sh", "mmdebstrap", "mksquashfs"}, func(s string) (string, error) {
				if s == "sh" {
					return "/bin/sh", nil
				}
				return "", errors.New("not found")
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("command not found: mmdebstrap"))
			Expect(err.Error()).To(ContainSubstring("command not found: mksquashfs"))
			Expect(err.Error()).ToNot(ContainSubstring("command not found: sh"))
		})
	})
	Context("CleanupSlice", func() {
		It("Cleans up the slice of empty values", func() {
			Expect(utils.CleanupSlice([]string{" vim", "", "  ", "git "})).To(Equal([]string{"vim", "git"}))
		})
	})
	Context("UniqueSlice", func() {
		It("Removes duplicates", func() {
			Expect(utils.UniqueSlice([]string{"a", "b", "a", "c", "b"})).To(Equal([]string{"a", "b", "c"}))
		})
	})
	Context("MountToFstab", func() {
		It("Generates the proper fstab entry", func() {
			m := mount.Mount{
				Type:    "tmpfs",
				Source:  "tmpfs",
				Options: []string{"rw", "size=8G"},
			}
			entry := utils.MountToFstab(m)
			entry.File = "/build/work"
			Expect(entry.String()).To(MatchRegexp("tmpfs /build/work tmpfs (rw|size=8G),(size=8G|rw) 0 0"))
			Expect(entry.MntOps).To(HaveKeyWithValue("rw", ""))
			Expect(entry.MntOps).To(HaveKeyWithValue("size", "8G"))
		})
	})
	Context("CommandLine", func() {
		It("Renders the command", func() {
			Expect(utils.CommandLine("mksquashfs", "a", "b")).To(Equal("mksquashfs a b"))
			Expect(utils.CommandLine("true")).To(Equal("true"))
		})
	})
	Context("PathWithSbin", func() {
		var old string
		BeforeEach(func() {
			old = os.Getenv("PATH")
		})
		AfterEach(func() {
			Expect(os.Setenv("PATH", old)).To(Succeed())
		})
		It("Appends /usr/sbin", func() {
			Expect(os.Setenv("PATH", "/usr/bin:/bin")).To(Succeed())
			Expect(utils.PathWithSbin()).To(Equal("/usr/bin:/bin:/usr/sbin"))
		})
		It("Leaves PATH alone when it is there", func() {
			Expect(os.Setenv("PATH", "/usr/sbin:/usr/bin")).To(Succeed())
			Expect(utils.PathWithSbin()).To(Equal("/usr/sbin:/usr/bin"))
		})
		It("Handles an empty PATH", func() {
			Expect(os.Setenv("PATH", "")).To(Succeed())
			Expect(utils.PathWithSbin()).To(Equal("/usr/sbin"))
		})
	})
	Context("host commands", func() {
		var bin string

		BeforeEach(func() {
			bin = GinkgoT().TempDir()
			script := "#!/bin/sh\necho hello $1\n"
			Expect(os.WriteFile(filepath.Join(bin, "oyo-greet"), []byte(script), 0o755)).To(Succeed())
			GinkgoT().Setenv("PATH", bin)
		})
		It("finds commands in PATH", func() {
			p, err := utils.LookPathWithSbin("oyo-greet")
			Expect(err).ToNot(HaveOccurred())
			Expect(p).To(Equal(filepath.Join(bin, "oyo-greet")))
			_, err = utils.LookPathWithSbin("oyo-missing")
			Expect(err).To(HaveOccurred())
		})
		It("runs commands only found in /usr/sbin", func() {
			name := sbinCommand()
			if name == "" {
				Skip("no executable in /usr/sbin")
			}
			p, err := utils.LookPathWithSbin(name)
			Expect(err).ToNot(HaveOccurred())
			Expect(p).To(Equal(filepath.Join("/usr/sbin", name)))

			c := utils.PrepareCommandWithPath(context.Background(), name, "--help")
			Expect(c.Err).ToNot(HaveOccurred())
			Expect(c.Path).To(Equal(filepath.Join("/usr/sbin", name)))
			Expect(c.Args).To(Equal([]string{name, "--help"}))
		})
		It("runs commands and captures their output", func() {
			Expect(utils.BuilderConsole{}.Run(context.Background(), "oyo-greet", "world")).To(Succeed())
			out, err := utils.BuilderConsole{}.Output(context.Background(), "oyo-greet", "world")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(Equal("hello world\n"))
		})
		It("reports failing commands", func() {
			Expect(os.WriteFile(filepath.Join(bin, "oyo-fail"), []byte("#!/bin/sh\nexit 3\n"), 0o755)).To(Succeed())
			err := utils.BuilderConsole{}.Run(context.Background(), "oyo-fail")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("oyo-fail"))
		})
	})
	Context("ReexecAsRoot", func() {
		It("refuses to loop when sudo did not give root", func() {
			GinkgoT().Setenv("SUDO_USER", "builder")
			err := utils.ReexecAsRoot([]string{"build"})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("root privileges are required"))
		})
	})
	Context("Chroot", func() {
		var binder *fakeBinder
		var console *fakeConsole
		var chroot *utils.Chroot

		BeforeEach(func() {
			binder = &fakeBinder{}
			console = &fakeConsole{}
			chroot = utils.NewChroot("/build/chroot", console, binder)
		})
		It("Binds the default mounts and releases them in reverse", func() {
			Expect(chroot.Prepare()).To(Succeed())
			Expect(binder.calls).To(Equal([]string{
				"/proc /build/chroot/proc",
				"/sys /build/chroot/sys",
				"/dev /build/chroot/dev",
			}))
			Expect(chroot.Prepare()).ToNot(Succeed())
			Expect(chroot.Close()).To(Succeed())
			Expect(binder.unbound).To(Equal([]string{"/build/chroot/dev", "/build/chroot/sys", "/build/chroot/proc"}))
		})
		It("Releases what was bound when a bind fails", func() {
			binder.failOn = "/build/chroot/dev"
			Expect(chroot.Prepare()).ToNot(Succeed())
			Expect(binder.unbound).To(Equal([]string{"/build/chroot/sys", "/build/chroot/proc"}))
		})
		It("Wraps the callback with the mounts", func() {
			called := false
			err := chroot.RunCallback(func() error {
				called = true
				Expect(binder.calls).To(HaveLen(3))
				Expect(binder.unbound).To(BeEmpty())
				return nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(called).To(BeTrue())
			Expect(binder.unbound).To(HaveLen(3))
		})
		It("Returns the callback error", func() {
			err := chroot.RunCallback(func() error { return errors.New("hook failed") })
			Expect(err).To(MatchError("hook failed"))
			Expect(binder.unbound).To(HaveLen(3))
		})
		It("Runs commands through chroot", func() {
			Expect(chroot.Run(context.Background(), "apt-get", "clean")).To(Succeed())
			Expect(chroot.Shell(context.Background(), "echo hi")).To(Succeed())
			Expect(console.cmds).To(Equal([]string{
				"chroot /build/chroot apt-get clean",
				"chroot /build/chroot sh -c echo hi",
			}))
		})
		It("Returns command failures", func() {
			console.err = errors.New("exit status 1")
			Expect(chroot.Run(context.Background(), "false")).ToNot(Succeed())
		})
	})
})

// sbinCommand returns the name of any executable in /usr/sbin.
func sbinCommand() string {
	entries, err := os.ReadDir("/usr/sbin")
	if err != nil {
		return ""
	}
	for _, e := range entries {
		fi, err := os.Stat(filepath.Join("/usr/sbin", e.Name()))
		if err != nil || !fi.Mode().IsRegular() || fi.Mode()&0o111 == 0 {
			continue
		}
		return e.Name()
	}
	return ""
}
