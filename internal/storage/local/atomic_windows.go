package local

import (
	"os"

	"github.com/google/renameio/v2/maybe"
)

// writeFileAtomic falls back to a plain write where rename cannot replace an
// open file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	return maybe.WriteFile(path, data, perm)
}
