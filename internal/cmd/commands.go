package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/uuid"
	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/oyo-project/oyo-builder/internal/version"
	"github.com/oyo-project/oyo-builder/pkg/dag"
	"github.com/oyo-project/oyo-builder/pkg/mount"
	"github.com/oyo-project/oyo-builder/pkg/schema"
	"github.com/oyo-project/oyo-builder/pkg/state"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
)

// Flags are shared by every command. Each one can also be set from the
// environment, which is how the selection survives the sudo re-exec.
// urfave/cli keeps parsed values in the flags, so every app gets its own.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "flavor",
			Aliases: []string{"f"},
			Usage:   "desktop flavor layer to apply",
			EnvVars: []string{"OYO_FLAVOR"},
			Value:   cnst.DefaultFlavor,
		},
		&cli.StringFlag{
			Name:    "lang",
			Aliases: []string{"l"},
			Usage:   "language layer to apply, also the ISO name suffix",
			EnvVars: []string{"OYO_LANG"},
			Value:   cnst.DefaultLang,
		},
		&cli.StringFlag{
			Name:    "brand",
			Aliases: []string{"b"},
			Usage:   "brand to render templates from",
			EnvVars: []string{"OYO_BRAND"},
			Value:   cnst.DefaultBrand,
		},
		&cli.StringFlag{
			Name:    "root",
			Usage:   "project root holding config/, work/ and log/ (default: current directory)",
			EnvVars: []string{"OYO_ROOT"},
		},
		&cli.StringFlag{
			Name:    "live-user",
			Usage:   "user of the live session",
			EnvVars: []string{"OYO_LIVE_USER"},
			Value:   cnst.DefaultLiveUser,
		},
		&cli.StringFlag{
			Name:    "live-password",
			Usage:   "password of the live session user",
			EnvVars: []string{"OYO_LIVE_PASSWORD"},
			Value:   cnst.DefaultLivePassword,
		},
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"OYO_DEBUG"},
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "print the steps and exit",
			EnvVars: []string{"OYO_DRY_RUN"},
		},
	}
}

// BuildFlags are the flags of the build command.
func BuildFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "tmpfs",
			Aliases: []string{"t"},
			Usage:   "mount the work directory as tmpfs",
			EnvVars: []string{"OYO_TMPFS"},
		},
		&cli.StringFlag{
			Name:    "tmpfs-size",
			Usage:   "size of the work tmpfs, e.g. 8G or 80%",
			EnvVars: []string{"OYO_TMPFS_SIZE"},
			Value:   cnst.DefaultTmpfsSize,
		},
	}
}

// Commands returns the init, build, clean and version commands.
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "init",
			Usage: "check host tools and create the work directories",
			Action: func(c *cli.Context) error {
				return runGraph(c, dag.RegisterInit, "Initialized")
			},
		},
		{
			Name:  "build",
			Usage: "build the ISO image",
			Description: `
Bootstraps a fresh chroot, applies the configuration layers selected by
--flavor, --lang and --brand, and writes <root>/<name>-<version>-<lang>.iso.
`,
			Flags: BuildFlags(),
			Action: func(c *cli.Context) error {
				return runGraph(c, dag.RegisterBuild, "Build finished")
			},
		},
		{
			Name:  "clean",
			Usage: "unmount leftovers and reset the work directory",
			Action: func(c *cli.Context) error {
				return runGraph(c, dag.RegisterClean, "Cleaned")
			},
		},
		{
			Name:  "version",
			Usage: "print version",
			Action: func(_ *cli.Context) error {
				fmt.Println(version.Get().String())
				return nil
			},
		},
	}
}

// Config collects the build configuration from the flags.
func Config(c *cli.Context) (schema.Config, error) {
	root := c.String("root")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return schema.Config{}, err
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return schema.Config{}, err
	}

	cfg := schema.DefaultConfig(root)
	cfg.Selection = schema.Selection{
		Flavor: c.String("flavor"),
		Lang:   c.String("lang"),
		Brand:  c.String("brand"),
	}
	cfg.LiveUser = c.String("live-user")
	cfg.LivePassword = c.String("live-password")
	cfg.Tmpfs = c.Bool("tmpfs")
	if size := c.String("tmpfs-size"); size != "" {
		cfg.TmpfsSize = size
	}
	id, err := uuid.NewV4()
	if err != nil {
		return schema.Config{}, err
	}
	cfg.BuildID = id.String()
	return cfg, nil
}

// runGraph registers the steps of a command and runs them. Every mount left in
// the ledger is undone on the way out, including on SIGINT and SIGTERM.
func runGraph(c *cli.Context, register func(*state.State, *herd.Graph) error, done string) (err error) {
	dryRun := c.Bool("dry-run")
	if !dryRun && !internalUtils.IsRoot() {
		return internalUtils.ReexecAsRoot(os.Args[1:])
	}

	cfg, err := Config(c)
	if err != nil {
		return err
	}

	logDir := cfg.LogDir()
	if dryRun {
		logDir = ""
	}
	logFile, closeLog, err := internalUtils.SetLogger(c.Bool("debug"), logDir)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	internalUtils.Log = internalUtils.Log.With().Str("build", cfg.BuildID).Logger()

	v := version.Get()
	internalUtils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).
		Str("flavor", cfg.Selection.Flavor).Str("lang", cfg.Selection.Lang).Str("brand", cfg.Selection.Brand).
		Str("log", logFile).Msg("oyo-builder")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerFile := cfg.LedgerFile()
	if dryRun {
		ledgerFile = ""
	}
	ledger := mount.NewLedger(mount.SystemMounter{}, ledgerFile)
	s := state.New(cfg, vfs.OSFS, internalUtils.BuilderConsole{}, ledger)
	if !dryRun {
		// a crashed run may still have binds into the chroot
		if err := ledger.Recover(); err != nil {
			internalUtils.Log.Warn().Err(err).Msg("Releasing mounts of a previous run")
		}
	}
	defer func() {
		s.LogIfError(ledger.UnmountAll(), "unmounting on exit")
	}()

	g := herd.DAG(herd.EnableInit)
	if err := register(s, g); err != nil {
		return err
	}

	internalUtils.Log.Info().Msg(s.WriteDAG(g))

	// Once we print the dag we can exit already
	if dryRun {
		return nil
	}

	runErr := g.Run(ctx)
	internalUtils.Log.Debug().Msg(s.WriteDAG(g))
	// the first failing step, not the skipped ones after it
	if err := s.Err(); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if s.ISOFile() != "" {
		internalUtils.Log.Info().Str("iso", s.ISOFile()).Msg(done)
	} else {
		internalUtils.Log.Info().Msg(done)
	}
	return nil
}
