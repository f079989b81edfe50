package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// SandboxBaseDir resolves the default root under which per-session work dirs
// are created.
// Preference order:
// 1. $XDG_STATE_HOME/kernelhub/sessions
// 2. ~/.local/state/kernelhub/sessions
// 3. $XDG_RUNTIME_DIR/kernelhub/sessions
func SandboxBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "kernelhub", "sessions"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "kernelhub", "sessions"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "kernelhub", "sessions"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "kernelhub", "sessions"), nil
	}
	return "", errors.New("unable to resolve session directory from XDG state/runtime or home")
}
