//go:build !windows

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// checkWorkDir makes sure dir exists and is readable, writable and
// searchable by this user, returning its absolute path.
func checkWorkDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkDir, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWorkDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkDir, abs)
	}
	if err := unix.Access(abs, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkDir, abs, err)
	}
	return abs, nil
}
