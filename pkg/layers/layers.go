// Package layers resolves which configuration directories apply to a build.
//
// The config root holds groups named NN_key. A "common" group is a layer by
// itself; "flavor", "lang" and "brand" groups contribute the subdirectory named
// after the matching selector, if it exists. Groups are visited in name order,
// so the NN prefix sets precedence: later layers override earlier ones.
package layers

import (
	"bufio"
	"bytes"
	"path/filepath"
	"sort"
	"strings"

	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	"github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/oyo-project/oyo-builder/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

const (
	keyCommon = "common"
	keyFlavor = "flavor"
	keyLang   = "lang"
	keyBrand  = "brand"
)

// Resolver finds layers under a config root.
type Resolver struct {
	fs   vfs.FS
	root string
	sel  schema.Selection
}

func NewResolver(fs vfs.FS, root string, sel schema.Selection) *Resolver {
	return &Resolver{fs: fs, root: root, sel: sel}
}

// group is a NN_key directory under the config root.
type group struct {
	path string
	key  string
}

func (r *Resolver) groups() ([]group, error) {
	entries, err := r.fs.ReadDir(r.root)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var groups []group
	for _, name := range names {
		p := filepath.Join(r.root, name)
		if !r.isDir(p) || !strings.Contains(name, "_") {
			continue
		}
		groups = append(groups, group{path: p, key: strings.SplitN(name, "_", 2)[1]})
	}
	return groups, nil
}

func (r *Resolver) isDir(p string) bool {
	fi, err := r.fs.Stat(p)
	return err == nil && fi.IsDir()
}

func (r *Resolver) isFile(p string) bool {
	fi, err := r.fs.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Layers returns the applicable layer directories, lowest precedence first.
func (r *Resolver) Layers() ([]string, error) {
	groups, err := r.groups()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, g := range groups {
		var sub string
		switch g.key {
		case keyCommon:
			out = append(out, g.path)
			continue
		case keyFlavor:
			sub = r.sel.Flavor
		case keyLang:
			sub = r.sel.Lang
		case keyBrand:
			sub = r.sel.Brand
		default:
			continue
		}
		if sub == "" {
			continue
		}
		if p := filepath.Join(g.path, sub); r.isDir(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// HookLayers returns the layers searched for hook scripts. They follow the same rule as Layers.
func (r *Resolver) HookLayers() ([]string, error) {
	return r.Layers()
}

// BrandGroup returns the first *_brand group, or "" when there is none.
func (r *Resolver) BrandGroup() (string, error) {
	groups, err := r.groups()
	if err != nil {
		return "", err
	}
	for _, g := range groups {
		if g.key == keyBrand {
			return g.path, nil
		}
	}
	return "", nil
}

// BrandDir returns the directory of the selected brand inside the brand group.
func (r *Resolver) BrandDir() (string, error) {
	g, err := r.BrandGroup()
	if err != nil {
		return "", err
	}
	if g == "" {
		return "", cnst.ErrNoBrandGroup
	}
	return filepath.Join(g, r.sel.Brand), nil
}

// Packages collects every layer's packages.txt, ignoring blanks and comments.
func (r *Resolver) Packages() ([]string, error) {
	ls, err := r.Layers()
	if err != nil {
		return nil, err
	}
	var pkgs []string
	for _, l := range ls {
		p := filepath.Join(l, "packages.txt")
		if !r.isFile(p) {
			continue
		}
		data, err := r.fs.ReadFile(p)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			pkgs = append(pkgs, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	return pkgs, nil
}

// FirstFile returns the path of name in the first layer that has it, or "".
func (r *Resolver) FirstFile(name string) (string, error) {
	ls, err := r.Layers()
	if err != nil {
		return "", err
	}
	for _, l := range ls {
		if p := filepath.Join(l, name); r.isFile(p) {
			return p, nil
		}
	}
	return "", nil
}

// Overlays returns every existing layer overlay/ directory in layer order.
func (r *Resolver) Overlays() ([]string, error) {
	ls, err := r.Layers()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range ls {
		if p := filepath.Join(l, "overlay"); r.isDir(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Hooks returns the *.sh scripts of a stage across all hook layers, sorted by
// file name only so the numeric prefix of the script decides the order.
func (r *Resolver) Hooks(stage string) ([]string, error) {
	ls, err := r.HookLayers()
	if err != nil {
		return nil, err
	}
	var scripts []string
	for _, l := range ls {
		dir := filepath.Join(l, "hooks", stage+".d")
		if !r.isDir(dir) {
			continue
		}
		entries, err := r.fs.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			if strings.HasSuffix(e.Name(), ".sh") && r.isFile(p) {
				scripts = append(scripts, p)
			}
		}
	}
	sort.SliceStable(scripts, func(i, j int) bool {
		return filepath.Base(scripts[i]) < filepath.Base(scripts[j])
	})
	utils.Log.Debug().Str("stage", stage).Strs("hooks", scripts).Msg("Resolved hooks")
	return scripts, nil
}
