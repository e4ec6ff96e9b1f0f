package model

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	RunKindCreate  = "create"
	RunKindCompare = "compare"

	SourceNew     = "new"
	SourceExisted = "existed"

	DefaultScriptExt    = "csh"
	DefaultGrace        = 10 * time.Second
	DefaultPollInterval = 2 * time.Second

	// BaseDirEnv names the variable used to resolve relative paths
	BaseDirEnv = "QARUN_BASE_DIR"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int            `json:"version" yaml:"version"` // fixed 0 for now
	Run      Run            `json:"run" yaml:"run"`
	Create   *Create        `json:"create,omitempty" yaml:"create,omitempty"`
	Compare  *Compare       `json:"compare,omitempty" yaml:"compare,omitempty"`
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"` // handed to templates as is
	Cancel   Cancel         `json:"cancel,omitempty" yaml:"cancel,omitempty"`
	Poll     Poll           `json:"poll,omitempty" yaml:"poll,omitempty"`
	Service  Service        `json:"service,omitempty" yaml:"service,omitempty"`
}

// Run describes the run directory and how scripts are produced.
type Run struct {
	Kind      string `json:"kind" yaml:"kind"` // "create" | "compare"
	Dir       string `json:"dir" yaml:"dir"`
	Cleanup   bool   `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	Templates string `json:"templates,omitempty" yaml:"templates,omitempty"`
	ScriptExt string `json:"script_ext,omitempty" yaml:"script_ext,omitempty"`
	Shell     string `json:"shell,omitempty" yaml:"shell,omitempty"` // empty => execute script directly
}

type Create struct {
	Package string `json:"package,omitempty" yaml:"package,omitempty"`
}

type Compare struct {
	Golden Package `json:"golden" yaml:"golden"`
	Alpha  Package `json:"alpha" yaml:"alpha"`
}

// Package is one side of a comparison.
type Package struct {
	Source     string `json:"source" yaml:"source"` // "new" | "existed"
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	CDF        string `json:"cdf,omitempty" yaml:"cdf,omitempty"`
	TA         string `json:"ta,omitempty" yaml:"ta,omitempty"`
	PDKVersion string `json:"pdk_version,omitempty" yaml:"pdk_version,omitempty"`
	CDSLib     string `json:"cds_lib,omitempty" yaml:"cds_lib,omitempty"`
}

func (p Package) IsNew() bool {
	return p.Source == SourceNew
}

type Cancel struct {
	Grace   string   `json:"grace,omitempty" yaml:"grace,omitempty"`
	Command []string `json:"command,omitempty" yaml:"command,omitempty"` // e.g. ["sgdel", "{pid}"]
}

type Poll struct {
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
}

type Service struct {
	Verbose  bool      `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Listen   string    `json:"listen,omitempty" yaml:"listen,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule triggers runs from the serve command, cron has a precedence.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// DefaultConfig is stored when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Run: Run{
			Kind:      RunKindCreate,
			Dir:       "./output_qa",
			ScriptExt: DefaultScriptExt,
		},
		Cancel: Cancel{Grace: DefaultGrace.String()},
		Poll:   Poll{Interval: DefaultPollInterval.String()},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if out.Run.ScriptExt == "" {
		out.Run.ScriptExt = DefaultScriptExt
	}
	return out, nil
}

// GraceDuration returns the escalation delay between SIGTERM and SIGKILL.
func (c Config) GraceDuration() time.Duration {
	return parseDuration(c.Cancel.Grace, DefaultGrace)
}

func (c Config) PollInterval() time.Duration {
	return parseDuration(c.Poll.Interval, DefaultPollInterval)
}

// BaseDir returns the directory relative paths are resolved against:
// $QARUN_BASE_DIR or the current working directory.
func BaseDir() (string, error) {
	if d, ok := os.LookupEnv(BaseDirEnv); ok && d != "" {
		return filepath.Abs(d)
	}
	return os.Getwd()
}

// Resolve makes path absolute using base
func Resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// RunDir returns absolute path of the configured run directory
func (c Config) RunDir() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", fmt.Errorf("resolving base directory: %w", err)
	}
	return Resolve(base, c.Run.Dir), nil
}

func parseDuration(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return dflt
	}
	return d
}
