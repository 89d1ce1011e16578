package cmd_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/oyo-project/oyo-builder/internal/cmd"
	"github.com/oyo-project/oyo-builder/pkg/schema"
	"github.com/urfave/cli/v2"
)

var oyoEnv = []string{
	"OYO_FLAVOR", "OYO_LANG", "OYO_BRAND", "OYO_ROOT", "OYO_LIVE_USER", "OYO_LIVE_PASSWORD",
	"OYO_DEBUG", "OYO_DRY_RUN", "OYO_TMPFS", "OYO_TMPFS_SIZE",
}

// parse runs a build command that only collects the configuration.
func parse(args ...string) schema.Config {
	var cfg schema.Config
	app := &cli.App{
		Name:  "oyo-builder",
		Flags: cmd.Flags(),
		Commands: []*cli.Command{{
			Name:  "build",
			Flags: cmd.BuildFlags(),
			Action: func(c *cli.Context) (err error) {
				cfg, err = cmd.Config(c)
				return err
			},
		}},
	}
	Expect(app.Run(append([]string{"oyo-builder"}, args...))).To(Succeed())
	return cfg
}

var _ = Describe("commands", func() {
	var root string

	BeforeEach(func() {
		for _, e := range oyoEnv {
			GinkgoT().Setenv(e, "")
			Expect(os.Unsetenv(e)).To(Succeed())
		}
		root = GinkgoT().TempDir()
	})

	Context("Config", func() {
		It("applies the defaults", func() {
			cfg := parse("--root", root, "build")
			Expect(cfg.Root).To(Equal(root))
			Expect(cfg.Selection).To(Equal(schema.Selection{Flavor: "common", Lang: "en", Brand: "default"}))
			Expect(cfg.LiveUser).To(Equal("live"))
			Expect(cfg.LivePassword).To(Equal("live"))
			Expect(cfg.Tmpfs).To(BeFalse())
			Expect(cfg.TmpfsSize).To(Equal("8G"))
			Expect(cfg.Arch).To(Equal("amd64"))
			Expect(cfg.BuildID).ToNot(BeEmpty())
		})
		It("gives every build its own id", func() {
			Expect(parse("--root", root, "build").BuildID).ToNot(Equal(parse("--root", root, "build").BuildID))
		})
		It("reads the selection from the environment", func() {
			GinkgoT().Setenv("OYO_FLAVOR", "kde")
			GinkgoT().Setenv("OYO_LANG", "ja")
			GinkgoT().Setenv("OYO_BRAND", "acme")
			GinkgoT().Setenv("OYO_ROOT", root)
			GinkgoT().Setenv("OYO_LIVE_USER", "demo")
			GinkgoT().Setenv("OYO_LIVE_PASSWORD", "secret")
			GinkgoT().Setenv("OYO_TMPFS", "true")
			GinkgoT().Setenv("OYO_TMPFS_SIZE", "4G")

			cfg := parse("build")
			Expect(cfg.Root).To(Equal(root))
			Expect(cfg.Selection).To(Equal(schema.Selection{Flavor: "kde", Lang: "ja", Brand: "acme"}))
			Expect(cfg.LiveUser).To(Equal("demo"))
			Expect(cfg.LivePassword).To(Equal("secret"))
			Expect(cfg.Tmpfs).To(BeTrue())
			Expect(cfg.TmpfsSize).To(Equal("4G"))
		})
		It("prefers flags over the environment", func() {
			GinkgoT().Setenv("OYO_FLAVOR", "kde")
			GinkgoT().Setenv("OYO_TMPFS_SIZE", "4G")
			cfg := parse("--root", root, "-f", "gnome", "-l", "de", "build", "-t", "--tmpfs-size", "80%")
			Expect(cfg.Selection.Flavor).To(Equal("gnome"))
			Expect(cfg.Selection.Lang).To(Equal("de"))
			Expect(cfg.Tmpfs).To(BeTrue())
			Expect(cfg.TmpfsSize).To(Equal("80%"))
		})
		It("makes the root absolute", func() {
			wd, err := os.Getwd()
			Expect(err).ToNot(HaveOccurred())
			Expect(parse("--root", "project", "build").Root).To(Equal(filepath.Join(wd, "project")))
		})
		It("defaults the root to the working directory", func() {
			wd, err := os.Getwd()
			Expect(err).ToNot(HaveOccurred())
			Expect(parse("build").Root).To(Equal(wd))
		})
	})

	Context("dry run", func() {
		run := func(args ...string) error {
			app := &cli.App{Name: "oyo-builder", Flags: cmd.Flags(), Commands: cmd.Commands()}
			return app.Run(append([]string{"oyo-builder", "--dry-run", "--root", root}, args...))
		}

		It("prints the build graph without root, log file or ledger changes", func() {
			ledger := filepath.Join(root, ".mounts.fstab")
			entry := "none " + filepath.Join(root, "work", "chroot", "proc") + " none bind 0 0\n"
			Expect(os.WriteFile(ledger, []byte(entry), 0o644)).To(Succeed())

			Expect(run("build", "--tmpfs")).To(Succeed())

			data, err := os.ReadFile(ledger)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal(entry))
			Expect(filepath.Join(root, "log")).ToNot(BeADirectory())
			Expect(filepath.Join(root, "work")).ToNot(BeADirectory())
		})
		It("leaves a clean dry run without effects", func() {
			Expect(run("clean")).To(Succeed())
			Expect(filepath.Join(root, ".mounts.fstab")).ToNot(BeAnExistingFile())
			Expect(filepath.Join(root, "log")).ToNot(BeADirectory())
		})
	})
})
