package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for kernelhub state.
// Preference order:
// 1. $XDG_STATE_HOME/kernelhub
// 2. ~/.local/state/kernelhub
// 3. $XDG_RUNTIME_DIR/kernelhub
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "kernelhub"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "kernelhub"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "kernelhub"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "kernelhub"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// HistoryDBPath returns the default location of the execution history
// database.
func HistoryDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "history", "executions.db"), nil
}

// TLSDir returns the default directory for kernelhub TLS material.
// Uses $XDG_CONFIG_HOME/kernelhub/tls or ~/.config/kernelhub/tls.
func TLSDir() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "kernelhub", "tls"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "kernelhub", "tls"), nil
}
