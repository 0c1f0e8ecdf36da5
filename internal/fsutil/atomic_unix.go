//go:build !windows

package fsutil

import (
	"os"

	"github.com/google/renameio/v2"
)

// AtomicWriteFile writes data to path via a temp file and rename, so readers
// see either the previous content or the new content, never a mix.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
