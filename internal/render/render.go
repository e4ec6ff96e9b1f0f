// Package render produces the executable script of a phase.
//
// A template is looked up in the configured directory as <phase>.tmpl, then
// default.tmpl. Without a directory or a matching file the embedded
// default.tmpl is used, it executes the command configured in
// settings.<phase>.
package render

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Context is what templates see.
type Context struct {
	Phase       string
	Mode        string
	StorePath   string
	PackageName string
	RunDir      string
	LogFile     string
	BaseDir     string
	Settings    map[string]any
	// Packages maps upper case mode names to package paths produced
	// earlier in the same run
	Packages map[string]string
}

// Setting returns settings[key] as a string, empty if it's not set.
func (c Context) Setting(key string) string {
	v, ok := c.Settings[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Renderer writes an executable script for a phase to dst.
type Renderer interface {
	Render(ctx context.Context, data Context, dst string) error
}

// Templates renders text/template files.
type Templates struct {
	dir string
}

// NewTemplates returns renderer loading templates from dir, empty dir means
// embedded templates only.
func NewTemplates(dir string) Templates {
	return Templates{dir: dir}
}

var funcs = template.FuncMap{
	"quote": Quote,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"env":   os.Getenv,
}

func (r Templates) Render(ctx context.Context, data Context, dst string) error {
	tmpl, source, err := r.load(data.Phase)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("rendering %s from %s: %w", data.Phase, source, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("rendering %s: %w", data.Phase, err)
	}
	if err := os.WriteFile(dst, buf.Bytes(), 0o755); err != nil {
		return fmt.Errorf("writing script %s: %w", dst, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(dst, 0o755); err != nil {
		return fmt.Errorf("writing script %s: %w", dst, err)
	}
	slog.DebugContext(ctx, "script rendered", "phase", data.Phase, "template", source, "script", dst)
	return nil
}

func (r Templates) load(phase string) (*template.Template, string, error) {
	if r.dir != "" {
		for _, name := range []string{phase + ".tmpl", "default.tmpl"} {
			path := filepath.Join(r.dir, name)
			b, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, "", fmt.Errorf("reading template %s: %w", path, err)
			}
			tmpl, err := parse(name, b)
			if err != nil {
				return nil, "", fmt.Errorf("parsing template %s: %w", path, err)
			}
			return tmpl, path, nil
		}
	}
	b, err := embedded.ReadFile("templates/default.tmpl")
	if err != nil {
		return nil, "", err
	}
	tmpl, err := parse("default.tmpl", b)
	return tmpl, "embedded:default.tmpl", err
}

func parse(name string, b []byte) (*template.Template, error) {
	return template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(string(b))
}

// Quote returns s quoted for sh and csh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
