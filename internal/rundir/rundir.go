// Package rundir manages the run directory: the job store file, rendered
// scripts and their debug logs.
//
//	<dir>/.cache.db
//	<dir>/run_<phase>.<ext>
//	<dir>/run_<phase>.<ext>.log
//	<dir>/run_<phase>.log
//	<dir>/packages/package_<mode>
package rundir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/qarun/internal/jobstore"
	"github.com/CZERTAINLY/qarun/internal/model"

	"golang.org/x/sys/unix"
)

const backupLayout = "20060102_150405"

// Dir is a prepared run directory.
type Dir struct {
	path string
	ext  string
}

// New returns Dir for an existing or future run directory without touching
// the filesystem.
func New(path, ext string) Dir {
	if ext == "" {
		ext = model.DefaultScriptExt
	}
	return Dir{path: filepath.Clean(path), ext: strings.TrimPrefix(ext, ".")}
}

// Prepare creates the run directory. When cleanup is true and the directory
// exists, it's moved to <path>_backup_<timestamp> first and the name of the
// backup is returned. The parent must be writable, otherwise
// model.ErrStoreUnavailable is returned.
func Prepare(path, ext string, cleanup bool, now time.Time) (Dir, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Dir{}, "", fmt.Errorf("resolving run directory %s: %w", path, err)
	}
	d := New(abs, ext)

	parent := filepath.Dir(d.path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Dir{}, "", fmt.Errorf("%w: creating %s: %w", model.ErrStoreUnavailable, parent, err)
	}
	if err := unix.Access(parent, unix.W_OK); err != nil {
		return Dir{}, "", fmt.Errorf("%w: permission denied for %s, check your permissions: %w",
			model.ErrStoreUnavailable, parent, err)
	}

	var backup string
	if cleanup {
		backup, err = d.rotate(now)
		if err != nil {
			return Dir{}, "", err
		}
	}

	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return Dir{}, "", fmt.Errorf("%w: creating %s: %w", model.ErrStoreUnavailable, d.path, err)
	}
	return d, backup, nil
}

func (d Dir) rotate(now time.Time) (string, error) {
	if _, err := os.Stat(d.path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("checking %s: %w", d.path, err)
	}

	base := d.path + "_backup_" + now.Format(backupLayout)
	backup := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(backup); errors.Is(err, fs.ErrNotExist) {
			break
		}
		backup = fmt.Sprintf("%s_%d", base, i)
	}
	if err := os.Rename(d.path, backup); err != nil {
		return "", fmt.Errorf("%w: moving %s to %s: %w", model.ErrStoreUnavailable, d.path, backup, err)
	}
	return backup, nil
}

func (d Dir) Path() string {
	return d.path
}

func (d Dir) Ext() string {
	return d.ext
}

// StorePath returns path of the job store file.
func (d Dir) StorePath() string {
	return filepath.Join(d.path, jobstore.FileName)
}

// Script returns path of the rendered script of a phase.
func (d Dir) Script(phase string) string {
	return filepath.Join(d.path, "run_"+phase+"."+d.ext)
}

// Log returns path of the debug log of a phase.
func (d Dir) Log(phase string) string {
	return d.Script(phase) + ".log"
}

// ScriptLog returns path handed to the script of a phase as its own log.
func (d Dir) ScriptLog(phase string) string {
	return filepath.Join(d.path, "run_"+phase+".log")
}

// Package returns where a package built in a run of mode lives.
func (d Dir) Package(mode model.Mode) string {
	return filepath.Join(d.path, "packages", "package_"+strings.ToLower(string(mode)))
}
