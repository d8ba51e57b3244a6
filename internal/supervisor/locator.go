package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Finesssee/ccswitch/internal/config"
)

// ErrExecutableNotFound is returned when the assistant cannot be located.
var ErrExecutableNotFound = errors.New("assistant executable not found")

// Locator resolves the assistant executable. pathEnv is the PATH the child
// will run with.
type Locator interface {
	Locate(pathEnv string) (string, error)
}

// DefaultLocator checks the configured path, then PATH, then the usual
// install locations.
type DefaultLocator struct {
	Executable string
	Name       string
	Candidates []string
}

// NewLocator returns a locator for the claude CLI. executable, when set,
// takes precedence over any discovery.
func NewLocator(executable string) *DefaultLocator {
	return &DefaultLocator{
		Executable: executable,
		Name:       "claude",
		Candidates: []string{
			"~/.claude/local/claude",
			"~/.local/bin/claude",
			"~/.npm-global/bin/claude",
			"/usr/local/bin/claude",
			"/opt/homebrew/bin/claude",
		},
	}
}

func (l *DefaultLocator) Locate(pathEnv string) (string, error) {
	if exe := strings.TrimSpace(l.Executable); exe != "" {
		exe = config.ExpandPath(exe)
		if strings.ContainsRune(exe, filepath.Separator) {
			if isExecutable(exe) {
				return exe, nil
			}
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, exe)
		}
		if path, ok := lookPathIn(exe, pathEnv); ok {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s not on PATH", ErrExecutableNotFound, exe)
	}
	if path, ok := lookPathIn(l.Name, pathEnv); ok {
		return path, nil
	}
	for _, candidate := range l.Candidates {
		candidate = config.ExpandPath(candidate)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, l.Name)
}

// lookPathIn is exec.LookPath against an explicit PATH value rather than the
// host process's own.
func lookPathIn(name, pathEnv string) (string, bool) {
	if strings.ContainsRune(name, filepath.Separator) {
		return name, isExecutable(name)
	}
	exts := []string{""}
	if runtime.GOOS == "windows" {
		exts = append(exts, ".exe", ".cmd", ".bat")
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		for _, ext := range exts {
			path := filepath.Join(dir, name+ext)
			if isExecutable(path) {
				return path, true
			}
		}
	}
	return "", false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
