// Package extractor declares the capture methods a snapshot can be archived
// with and the registry that selects them for a URL.
package extractor

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Task is the input to one extractor invocation.
type Task struct {
	Snapshot archive.Snapshot
	// Dir is the snapshot directory; artifact paths are relative to it.
	Dir string
	// OutDir is the extractor's own subdirectory, <Dir>/<name>.
	OutDir string
	// Timeout is the wall-clock budget resolved for this run.
	Timeout time.Duration
}

// Path joins rel onto the snapshot directory.
func (t Task) Path(rel string) string {
	return filepath.Join(t.Dir, filepath.FromSlash(rel))
}

// Invocation is either an external command (Args) or an in-process call (Call).
type Invocation struct {
	// Args is the argv of an external command; Args[0] is the binary.
	Args []string
	// Env is appended to the parent environment for external commands.
	Env []string
	// SuccessCodes lists exit codes treated as success; empty means only 0.
	SuccessCodes []int
	// Call runs in process. It must honor ctx cancellation.
	Call func(ctx context.Context, task Task) error
}

// External reports whether the invocation spawns a process.
func (i Invocation) External() bool {
	return len(i.Args) > 0
}

// Succeeded reports whether code counts as a successful exit.
func (i Invocation) Succeeded(code int) bool {
	if len(i.SuccessCodes) == 0 {
		return code == 0
	}
	for _, c := range i.SuccessCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Extractor is one capture method.
type Extractor interface {
	Name() string
	// Eligible is a pure predicate over the URL.
	Eligible(rawURL string) bool
	// Enabled applies per-run toggles on top of the extractor's default.
	Enabled(opts archive.Options) bool
	// Artifacts lists the paths, relative to the snapshot directory, that a
	// successful run must leave behind.
	Artifacts() []string
	// Prerequisites lists artifacts an earlier extractor must have produced.
	Prerequisites() []string
	DefaultTimeout() time.Duration
	// Networked extractors wait on the per-host rate limiter.
	Networked() bool
	Invocation(task Task) (Invocation, error)
}

// TitleSource is implemented by extractors that discover the page title.
type TitleSource interface {
	ReadTitle(task Task) (string, bool)
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the orchestrator skips further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Definition is a table-driven Extractor.
type Definition struct {
	ExtractorName     string
	Outputs           []string
	Requires          []string
	Timeout           time.Duration
	DisabledByDefault bool
	Network           bool
	// Predicate decides eligibility; nil accepts every URL.
	Predicate func(rawURL string) bool
	Build     func(task Task) (Invocation, error)
}

// Name implements Extractor.
func (d *Definition) Name() string { return d.ExtractorName }

// Eligible implements Extractor.
func (d *Definition) Eligible(rawURL string) bool {
	if d.Predicate == nil {
		return true
	}
	return d.Predicate(rawURL)
}

// Enabled implements Extractor.
func (d *Definition) Enabled(opts archive.Options) bool {
	if v, ok := opts.Enabled[d.ExtractorName]; ok {
		return v
	}
	return !d.DisabledByDefault
}

// Artifacts implements Extractor.
func (d *Definition) Artifacts() []string { return append([]string(nil), d.Outputs...) }

// Prerequisites implements Extractor.
func (d *Definition) Prerequisites() []string { return append([]string(nil), d.Requires...) }

// DefaultTimeout implements Extractor.
func (d *Definition) DefaultTimeout() time.Duration { return d.Timeout }

// Networked implements Extractor.
func (d *Definition) Networked() bool { return d.Network }

// Invocation implements Extractor.
func (d *Definition) Invocation(task Task) (Invocation, error) {
	if d.Build == nil {
		return Invocation{}, Permanent(errors.New("extractor has no invocation"))
	}
	return d.Build(task)
}

// ResolveTimeout picks the per-run override, then the extractor default,
// then the global default.
func ResolveTimeout(ext Extractor, opts archive.Options) time.Duration {
	if d, ok := opts.Timeouts[ext.Name()]; ok && d > 0 {
		return d
	}
	if d := ext.DefaultTimeout(); d > 0 {
		return d
	}
	if opts.DefaultTimeout > 0 {
		return opts.DefaultTimeout
	}
	return DefaultTimeout
}

// DefaultTimeout applies when nothing else sets one.
const DefaultTimeout = 60 * time.Second
