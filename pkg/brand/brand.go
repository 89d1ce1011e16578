// Package brand renders the branded files of an image from a brand's templates.
package brand

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
)

const (
	ContextFile  = "brand.yml"
	TemplatesDir = "templates"
	Extension    = ".tmpl"

	keyBuildID   = "build_id"
	keyBuildDate = "build_date"
	keyTheme     = "theme"
)

// Renderer renders templates of one brand directory with the brand.yml context.
type Renderer struct {
	fs      vfs.FS
	dir     string
	context map[string]interface{}
}

// Load reads <dir>/brand.yml. A missing file yields an empty context.
func Load(fs vfs.FS, dir, buildID string, now time.Time) (*Renderer, error) {
	ctx := map[string]interface{}{}
	p := filepath.Join(dir, ContextFile)
	if _, err := fs.Stat(p); err == nil {
		data, err := fs.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &ctx); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		if ctx == nil {
			ctx = map[string]interface{}{}
		}
	}
	if _, ok := ctx[keyBuildID]; !ok {
		ctx[keyBuildID] = buildID
	}
	if _, ok := ctx[keyBuildDate]; !ok {
		ctx[keyBuildDate] = now.UTC().Format("2006-01-02")
	}
	return &Renderer{fs: fs, dir: dir, context: ctx}, nil
}

// Theme returns the plymouth theme name from the context, or def.
func (r *Renderer) Theme(def string) string {
	if t, ok := r.context[keyTheme].(string); ok && t != "" {
		return t
	}
	return def
}

func (r *Renderer) templatePath(name string) string {
	return filepath.Join(r.dir, TemplatesDir, name)
}

// Has reports whether the brand ships the template name.
func (r *Renderer) Has(name string) bool {
	fi, err := r.fs.Stat(r.templatePath(name))
	return err == nil && fi.Mode().IsRegular()
}

// Templates returns the template names matching pattern, sorted.
func (r *Renderer) Templates(pattern string) ([]string, error) {
	entries, err := r.fs.ReadDir(filepath.Join(r.dir, TemplatesDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	var names []string
	for _, e := range entries {
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, err
		}
		if ok && r.Has(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Render renders template name to the absolute path dest, creating parents.
func (r *Renderer) Render(name, dest string) error {
	src := r.templatePath(name)
	data, err := r.fs.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading template %s: %w", src, err)
	}
	tpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return fmt.Errorf("parsing template %s: %w", src, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, r.context); err != nil {
		return fmt.Errorf("rendering template %s: %w", src, err)
	}
	if err := vfs.MkdirAll(r.fs, filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := r.fs.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
		return err
	}
	utils.Log.Info().Str("template", name).Str("to", dest).Msg("Rendered")
	return nil
}
