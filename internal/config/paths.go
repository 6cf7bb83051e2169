package config

import (
	"os"
	"path/filepath"
)

const dirName = ".wingterm"

// GetUserConfigDir returns ~/.wingterm, or $WINGTERM_HOME when set.
func GetUserConfigDir() (string, error) {
	if dir := os.Getenv("WINGTERM_HOME"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, dirName), nil
}

// Paths are the files wterm keeps under its config directory.
type Paths struct {
	Dir     string
	Config  string
	History string
	Log     string
}

// PathsIn lays out the files under dir.
func PathsIn(dir string) Paths {
	return Paths{
		Dir:     dir,
		Config:  filepath.Join(dir, "config.yaml"),
		History: filepath.Join(dir, "history.db"),
		Log:     filepath.Join(dir, "wterm.log"),
	}
}

func EnsureConfigDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}

// HistoryPath is the configured history database or the default under dir.
func (c *Config) HistoryPath(p Paths) string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return p.History
}

// TokenPath is the configured token file or token.yaml under dir.
func (c *Config) TokenPath(p Paths) string {
	if c.Auth.TokenFile != "" {
		return c.Auth.TokenFile
	}
	return filepath.Join(p.Dir, "token.yaml")
}
