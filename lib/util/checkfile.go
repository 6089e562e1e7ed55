package util

import (
	"os"
)

// CheckFileExists reports whether fpath can be stat'ed.
func CheckFileExists(fpath string) bool {
	_, e := os.Stat(fpath)
	return e == nil
}

// EnsureDir creates dir with 0700 permissions if it is missing.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.WithError(err).WithField("dir", dir).Error("Failed to create directory")
		return err
	}
	return nil
}
