package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath resolves a leading ~ to the user's home directory and then
// substitutes $VAR references. Paths it cannot expand are returned as given.
func ExpandPath(path string) string {
	rest, tilde := strings.CutPrefix(path, "~")
	if tilde && (rest == "" || rest[0] == '/') {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, rest)
		}
	}
	return os.ExpandEnv(path)
}
