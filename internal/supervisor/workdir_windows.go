//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
)

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
	f, err := os.CreateTemp(abs, ".ccswitch-probe-*")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkDir, abs, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return abs, nil
}
