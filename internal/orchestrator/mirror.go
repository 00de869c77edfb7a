package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// mirror copies successful artifacts to the blob store and fills their URIs.
// Failures are logged; the local archive stays authoritative.
func (o *Orchestrator) mirror(ctx context.Context, snapshotID, dir string, res *archive.ExtractorResult) {
	if o.blobs == nil {
		return
	}
	for i := range res.Artifacts {
		art := &res.Artifacts[i]
		uri, err := o.mirrorArtifact(ctx, snapshotID, dir, art.Path)
		if err != nil {
			o.logger.Warn("artifact mirror failed",
				zap.String("snapshot_id", snapshotID),
				zap.String("extractor", res.Extractor),
				zap.String("artifact", art.Path),
				zap.Error(err),
			)
			continue
		}
		art.URI = uri
	}
}

func (o *Orchestrator) mirrorArtifact(ctx context.Context, snapshotID, dir, rel string) (string, error) {
	full := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	base := path.Join(o.blobPrefix, snapshotID, rel)
	if !info.IsDir() {
		return o.upload(ctx, full, base)
	}

	var dirURI string
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sub, err := filepath.Rel(full, p)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		name := path.Join(base, filepath.ToSlash(sub))
		uri, err := o.upload(ctx, p, name)
		if err != nil {
			return err
		}
		if dirURI == "" {
			dirURI = strings.TrimSuffix(uri, "/"+filepath.ToSlash(sub))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("mirror directory: %w", err)
	}
	return dirURI, nil
}

func (o *Orchestrator) upload(ctx context.Context, file, name string) (string, error) {
	f, err := os.Open(file) // #nosec G304 -- artifact below the snapshot dir.
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	uri, err := o.blobs.PutObject(ctx, name, contentType(file), f)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func contentType(file string) string {
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
