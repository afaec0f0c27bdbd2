package lockfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/kmirotor/rotor/pkg/log"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Lock is a held cross-process lock. Release it with Close.
type Lock struct {
	file *os.File
}

// Close releases the lock and closes the lock file descriptor. Idempotent.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}
	err := unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("closing lock file: %w", closeErr)
	}
	return nil
}

// Acquire takes an exclusive advisory lock on the sibling lock file of target
// (<target>.lock), creating parent directories as needed. Acquisition blocks
// until the lock is available; callers must not re-enter.
func Acquire(target string) (*Lock, error) {
	lockPath := target + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), dirPerm); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := lockExclusive(file); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("locking %s: %w", lockPath, err)
	}
	return &Lock{file: file}, nil
}

// WriteAtomic writes data to path via a temp file and rename. Parent
// directories are created with 0700; when enforcePerms is true the file mode
// is forced to 0600 afterwards (no-op on platforms without POSIX modes).
func WriteAtomic(path string, data []byte, enforcePerms bool) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if enforcePerms {
		hardenPermissions(path, false)
	}
	return nil
}

// WarnIfInsecure logs a warning when path is readable or writable by group
// or other. No-op where POSIX modes are not meaningful.
func WarnIfInsecure(path, label string) {
	if !posixModes() {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		log.Logger.Warn().
			Str("path", path).
			Str("label", label).
			Msg("insecure_permissions")
	}
}

// HardenPermissions forces 0700 on directories and 0600 on files when enforce
// is set, logging the change. Paths that are already private are untouched.
func HardenPermissions(path string, isDir, enforce bool) {
	if !enforce || !posixModes() {
		return
	}
	hardenPermissions(path, isDir)
}

func hardenPermissions(path string, isDir bool) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 == 0 {
		return
	}
	desired := os.FileMode(filePerm)
	if isDir {
		desired = dirPerm
	}
	if err := os.Chmod(path, desired); err != nil {
		log.Logger.Warn().Str("path", path).Err(err).Msg("permissions_harden_failed")
		return
	}
	log.Logger.Info().Str("path", path).Str("mode", desired.String()).Msg("permissions_hardened")
}
