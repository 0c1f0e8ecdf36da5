//go:build windows

package hooks

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// configureProcAttr is a no-op on Windows (Setpgid not supported).
func configureProcAttr(_ *exec.Cmd) {}

// killProcessGroup falls back to killing the script itself.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func isExecutable(fi os.FileInfo) bool {
	if !fi.Mode().IsRegular() {
		return false
	}
	switch strings.ToLower(filepath.Ext(fi.Name())) {
	case ".exe", ".bat", ".cmd", ".com", ".ps1":
		return true
	}
	return false
}
