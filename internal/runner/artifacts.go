package runner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/extractor"
)

// collectArtifacts checks that every declared artifact exists and is
// non-empty. A directory counts when it holds at least one non-empty file.
func (r *Runner) collectArtifacts(task extractor.Task, declared []string) ([]archive.Artifact, error) {
	out := make([]archive.Artifact, 0, len(declared))
	for _, rel := range declared {
		full := task.Path(rel)
		if !within(task.Dir, full) {
			return nil, fmt.Errorf("artifact %s escapes the snapshot directory", rel)
		}
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("missing artifact %s", rel)
		}
		art := archive.Artifact{Path: rel}
		if info.IsDir() {
			size, files, err := dirSize(full)
			if err != nil {
				return nil, fmt.Errorf("scan artifact %s: %w", rel, err)
			}
			if files == 0 {
				return nil, fmt.Errorf("artifact %s is empty", rel)
			}
			art.Size = size
		} else {
			if info.Size() == 0 {
				return nil, fmt.Errorf("artifact %s is empty", rel)
			}
			art.Size = info.Size()
			if r.hasher != nil {
				sum, err := r.hashFile(full)
				if err != nil {
					return nil, err
				}
				art.SHA256 = sum
			}
		}
		out = append(out, art)
	}
	return out, nil
}

func (r *Runner) hashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- declared artifact under the snapshot dir.
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	sum, err := r.hasher.HashReader(f)
	if err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return sum, nil
}

// Present reports whether the artifact at path would still pass collection:
// a non-empty regular file, or a directory holding a non-empty file.
func Present(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return info.Size() > 0
	}
	_, files, err := dirSize(path)
	return err == nil && files > 0
}

// dirSize sums regular files and counts the non-empty ones.
func dirSize(root string) (int64, int, error) {
	var (
		total    int64
		nonEmpty int
	)
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if info.Size() > 0 {
			nonEmpty++
		}
		return nil
	})
	return total, nonEmpty, err
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
