package ringfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 100 * time.Millisecond

// LockParent acquires an exclusive advisory lock (flock LOCK_EX) on the
// parent directory of path, polling until timeout elapses. It returns
// ErrLockTimeout if the lock could not be acquired in time. The returned
// unlock function is idempotent and safe to defer unconditionally.
func LockParent(path string, timeout time.Duration) (unlock func(), err error) {
	dir := filepath.Dir(path)
	fd, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("ringfile: open parent directory %s: %w", dir, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		lockErr := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if lockErr == nil {
			break
		}
		if time.Now().After(deadline) {
			fd.Close()
			return nil, ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}

	released := false
	unlock = func() {
		if released {
			return
		}
		released = true
		unix.Flock(int(fd.Fd()), unix.LOCK_UN)
		fd.Close()
	}
	return unlock, nil
}
