package util

import (
	"os"
	"path/filepath"
)

// AppDirName is the per-user directory holding configuration.
const AppDirName = ".go-porthop"

// UserHome returns the current user's home directory, falling back to $HOME,
// %USERPROFILE% and finally the working directory.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		log.WithError(err).Warn("os.UserHomeDir failed, falling back to $HOME")
		return home
	}
	if home := os.Getenv("USERPROFILE"); home != "" {
		log.WithError(err).Warn("os.UserHomeDir failed, falling back to USERPROFILE")
		return home
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("os.UserHomeDir and $HOME unavailable; falling back to working directory")
		return wd
	}
	return "."
}

// AppDir returns $HOME/.go-porthop.
func AppDir() string {
	return filepath.Join(UserHome(), AppDirName)
}
