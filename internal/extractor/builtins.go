package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/web-archiver/internal/fetcher"
	"github.com/JakeFAU/web-archiver/internal/fetcher/headless"
)

// Built-in extractor names in declaration order.
const (
	NameHeaders     = "headers"
	NameStatic      = "static"
	NameWget        = "wget"
	NameTitle       = "title"
	NameFavicon     = "favicon"
	NameReadability = "readability"
	NameDOM         = "dom"
	NameScreenshot  = "screenshot"
	NamePDF         = "pdf"
	NameGit         = "git"
	NameMedia       = "media"
	NameArchiveOrg  = "archive-org"
)

// MediaTimeout is the default budget for media downloads.
const MediaTimeout = time.Hour

// DefaultArchiveOrgEndpoint is the Wayback Machine save endpoint.
const DefaultArchiveOrgEndpoint = "https://web.archive.org/save/"

// Settings carries the collaborators and knobs the built-in extractors need.
type Settings struct {
	Fetcher   fetcher.Fetcher
	Renderer  fetcher.Renderer
	UserAgent string
	// Binaries overrides external command names per extractor.
	Binaries map[string]string
	// ExtraArgs are appended to an external command before the URL.
	ExtraArgs map[string][]string
	// ArchiveOrgEndpoint overrides DefaultArchiveOrgEndpoint.
	ArchiveOrgEndpoint string
}

func (s Settings) binary(name, fallback string) string {
	if b, ok := s.Binaries[name]; ok && b != "" {
		return b
	}
	return fallback
}

func (s Settings) extra(name string) []string {
	return append([]string(nil), s.ExtraArgs[name]...)
}

func (s Settings) renderer() fetcher.Renderer {
	if s.Renderer == nil {
		return headless.NewNoop()
	}
	return s.Renderer
}

// Builtins returns the standard extractors in declaration order.
func Builtins(s Settings) []Extractor {
	return []Extractor{
		headersExtractor(s),
		staticExtractor(s),
		wgetExtractor(s),
		titleExtractor(),
		faviconExtractor(s),
		readabilityExtractor(),
		domExtractor(s),
		screenshotExtractor(s),
		pdfExtractor(s),
		gitExtractor(s),
		mediaExtractor(s),
		archiveOrgExtractor(s),
	}
}

// NewDefaultRegistry registers every built-in extractor.
func NewDefaultRegistry(s Settings) (*Registry, error) {
	reg := NewRegistry()
	for _, ext := range Builtins(s) {
		if err := reg.Register(ext); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// writeOutput writes data below the snapshot directory.
func writeOutput(task Task, rel string, data []byte) error {
	full := task.Path(rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func readInput(task Task, rel string) ([]byte, error) {
	data, err := os.ReadFile(task.Path(rel)) // #nosec G304 -- path under the snapshot dir.
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

func call(fn func(ctx context.Context, task Task) error) func(Task) (Invocation, error) {
	return func(Task) (Invocation, error) {
		return Invocation{Call: fn}, nil
	}
}

// renderError marks a missing browser as permanent.
func renderError(op string, err error) error {
	if errors.Is(err, fetcher.ErrDisabled) {
		return Permanent(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
