package schema

import (
	"path/filepath"

	"github.com/deniswernert/go-fstab"
	cnst "github.com/oyo-project/oyo-builder/internal/constants"
)

// Selection picks the configuration sub-layers for a build.
type Selection struct {
	Flavor string // desktop environment, e.g. gnome
	Lang   string // e.g. en, ja
	Brand  string // e.g. default
}

// DefaultSelection is what a build uses when no selector is given.
func DefaultSelection() Selection {
	return Selection{Flavor: cnst.DefaultFlavor, Lang: cnst.DefaultLang, Brand: cnst.DefaultBrand}
}

// Config is everything a build needs to know, collected from flags and environment.
type Config struct {
	Root      string // project root holding config/, work/ and log/
	Selection Selection

	Tmpfs     bool
	TmpfsSize string // e.g. 8G, 80%

	LiveUser     string
	LivePassword string

	Arch    string
	Mirror  string
	Keyring string

	BuildID string
}

// DefaultConfig returns a Config rooted at root with every default applied.
func DefaultConfig(root string) Config {
	return Config{
		Root:         root,
		Selection:    DefaultSelection(),
		TmpfsSize:    cnst.DefaultTmpfsSize,
		LiveUser:     cnst.DefaultLiveUser,
		LivePassword: cnst.DefaultLivePassword,
		Arch:         cnst.DefaultArch,
		Mirror:       cnst.DefaultMirror,
		Keyring:      cnst.DefaultKeyring,
	}
}

func (c Config) ConfigDir() string { return filepath.Join(c.Root, cnst.ConfigDir) }
func (c Config) WorkDir() string   { return filepath.Join(c.Root, cnst.WorkDir) }
func (c Config) ChrootDir() string { return filepath.Join(c.Root, cnst.WorkDir, cnst.ChrootDir) }
func (c Config) ISODir() string    { return filepath.Join(c.Root, cnst.WorkDir, cnst.ISODir) }
func (c Config) LogDir() string    { return filepath.Join(c.Root, cnst.LogDir) }
func (c Config) LedgerFile() string {
	return filepath.Join(c.Root, cnst.LedgerFile)
}

type FsTabs []*fstab.Mount
