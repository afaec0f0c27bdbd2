//go:build !unix

package lockfile

import (
	"os"
	"time"
)

// Without flock we fall back to a sentinel file created with O_EXCL,
// sleep-polling until the holder removes it.

func lockExclusive(file *os.File) error {
	sentinel := file.Name() + ".held"
	for {
		held, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			_ = held.Close()
			return nil
		}
		if !os.IsExist(err) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func unlock(file *os.File) error {
	return os.Remove(file.Name() + ".held")
}

func posixModes() bool { return false }
