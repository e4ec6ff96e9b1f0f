package render_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/qarun/internal/render"

	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	t.Parallel()
	require.Equal(t, `'plain'`, render.Quote("plain"))
	require.Equal(t, `'it'"'"'s'`, render.Quote("it's"))
}

func TestDefaultTemplate(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	dir := t.TempDir()
	dst := filepath.Join(dir, "run_create_package.csh")
	data := render.Context{
		Phase:       "create_package",
		Mode:        "NEW",
		StorePath:   filepath.Join(dir, ".cache.db"),
		PackageName: "package_new",
		RunDir:      dir,
		LogFile:     dst + ".log",
		Settings:    map[string]any{"create_package": `echo "$QA_MODE $QA_PACKAGE $QA_PACKAGE_GOLDEN"`},
		Packages:    map[string]string{"GOLDEN": "/pkgs/golden"},
	}
	require.NoError(t, render.NewTemplates("").Render(t.Context(), data, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	out, err := exec.Command(dst).CombinedOutput()
	require.NoError(t, err, string(out))
	require.Equal(t, "NEW package_new /pkgs/golden", strings.TrimSpace(string(out)))
}

func TestDefaultTemplateNoCommand(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dst := filepath.Join(dir, "run_compare_packages.csh")
	require.NoError(t, render.NewTemplates("").Render(t.Context(), render.Context{Phase: "compare_packages", RunDir: dir}, dst))

	out, err := exec.Command(dst).CombinedOutput()
	require.Error(t, err)
	require.Contains(t, string(out), "no command configured in settings.compare_packages")
}

func TestTemplateDir(t *testing.T) {
	t.Parallel()
	tmpl := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, "compare_packages.tmpl"),
		[]byte("#!/bin/sh\necho {{quote .Mode}} {{upper .PackageName}} {{.Setting \"missing\"}}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, "default.tmpl"),
		[]byte("#!/bin/sh\necho default {{.Phase}}\n"), 0o644))

	out := t.TempDir()
	r := render.NewTemplates(tmpl)

	dst := filepath.Join(out, "compare.csh")
	require.NoError(t, r.Render(t.Context(), render.Context{Phase: "compare_packages", Mode: "COMPARE", PackageName: "pkg"}, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho 'COMPARE' PKG \n", string(b))

	dst = filepath.Join(out, "golden.csh")
	require.NoError(t, r.Render(t.Context(), render.Context{Phase: "create_package_golden"}, dst))
	b, err = os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho default create_package_golden\n", string(b))
}

func TestTemplateError(t *testing.T) {
	t.Parallel()
	tmpl := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, "default.tmpl"), []byte("{{.Nope"), 0o644))
	err := render.NewTemplates(tmpl).Render(t.Context(), render.Context{Phase: "x"}, filepath.Join(t.TempDir(), "x.sh"))
	require.Error(t, err)
}
