package supervisor

import (
	"fmt"
	"maps"
	"strings"

	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/rundir"
)

const (
	PhaseCreatePackage       = "create_package"
	PhaseCreatePackageGolden = "create_package_golden"
	PhaseCreatePackageAlpha  = "create_package_alpha"
	PhaseComparePackages     = "compare_packages"
)

// Phase drives exactly one script.
type Phase struct {
	Name    string
	Mode    model.Mode
	Package string // package name handed to the script
	// Skip is set when preconditions of the phase are not met, like an
	// existing package which need not be created
	Skip       bool
	SkipReason string
}

// Request describes one run.
type Request struct {
	Dir      string // absolute run directory
	Cleanup  bool
	Ext      string
	Shell    string
	BaseDir  string
	Settings map[string]any
	Phases   []Phase
	// Packages maps upper case mode names (GOLDEN, ALPHA) to package paths
	Packages map[string]string
}

// NewRequest plans a run for the configuration.
func NewRequest(cfg model.Config) (Request, error) {
	base, err := model.BaseDir()
	if err != nil {
		return Request{}, fmt.Errorf("resolving base directory: %w", err)
	}
	if cfg.Run.Dir == "" {
		return Request{}, fmt.Errorf("run directory is not configured")
	}
	dir := rundir.New(model.Resolve(base, cfg.Run.Dir), cfg.Run.ScriptExt)

	req := Request{
		Dir:      dir.Path(),
		Cleanup:  cfg.Run.Cleanup,
		Ext:      dir.Ext(),
		Shell:    cfg.Run.Shell,
		BaseDir:  base,
		Settings: maps.Clone(cfg.Settings),
		Packages: make(map[string]string),
	}

	switch cfg.Run.Kind {
	case "", model.RunKindCreate:
		name := "package_new"
		if cfg.Create != nil && cfg.Create.Package != "" {
			name = cfg.Create.Package
		}
		req.Phases = []Phase{{Name: PhaseCreatePackage, Mode: model.ModeNew, Package: name}}
	case model.RunKindCompare:
		if cfg.Compare == nil {
			return Request{}, fmt.Errorf("run kind %s requires compare section", cfg.Run.Kind)
		}
		golden := packagePhase(PhaseCreatePackageGolden, model.ModeGolden, cfg.Compare.Golden)
		alpha := packagePhase(PhaseCreatePackageAlpha, model.ModeAlpha, cfg.Compare.Alpha)
		for _, p := range []struct {
			phase Phase
			pkg   model.Package
		}{{golden, cfg.Compare.Golden}, {alpha, cfg.Compare.Alpha}} {
			path := dir.Package(p.phase.Mode)
			if p.phase.Skip {
				path = model.Resolve(base, p.pkg.Path)
			}
			req.Packages[string(p.phase.Mode)] = path
		}
		req.Phases = []Phase{
			golden,
			alpha,
			{Name: PhaseComparePackages, Mode: model.ModeCompare, Package: "package_compare"},
		}
	default:
		return Request{}, fmt.Errorf("unsupported run kind %q", cfg.Run.Kind)
	}
	return req, nil
}

func packagePhase(name string, mode model.Mode, pkg model.Package) Phase {
	p := Phase{
		Name:    name,
		Mode:    mode,
		Package: "package_" + strings.ToLower(string(mode)),
	}
	if !pkg.IsNew() {
		p.Skip = true
		p.SkipReason = fmt.Sprintf("%s package exists: %s", strings.ToLower(string(mode)), pkg.Path)
	}
	return p
}
