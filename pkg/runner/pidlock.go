package runner

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// DefaultPIDPath is where the process lock lives.
const DefaultPIDPath = "service.pid"

// PIDLock enforces a single in-flight run per host. The token cache relies
// on no two concurrent runs targeting the same network, so the lock wraps
// the whole run rather than individual fetches.
type PIDLock struct {
	lock *flock.Flock
	path string
}

// AcquirePIDLock takes the lock or reports the holder. The PID is written
// into the file for operators; the actual mutual exclusion is the flock.
func AcquirePIDLock(path string) (*PIDLock, error) {
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire pid lock %s: %w", path, err)
	}
	if !ok {
		holder, _ := os.ReadFile(path)
		return nil, fmt.Errorf("another run holds %s (pid %s)", path, string(holder))
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		l.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &PIDLock{lock: l, path: path}, nil
}

// Release drops the lock and removes the file.
func (p *PIDLock) Release() error {
	if err := p.lock.Unlock(); err != nil {
		return fmt.Errorf("release pid lock: %w", err)
	}
	os.Remove(p.path)
	return nil
}
