//go:build !unix

package registry

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const lockWait = 5 * time.Second

// lockFile emulates an exclusive lock with an O_EXCL marker file.
func lockFile(path string) (func(), error) {
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: timed out after %s", path, lockWait)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
