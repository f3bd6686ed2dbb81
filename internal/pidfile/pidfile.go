// Package pidfile guards against two controllers driving the same pump.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/frothctl/internal/errors"
)

const Name = "frothctl.pid"

// File is a PID file in a directory. An empty Dir means os.TempDir().
type File struct {
	Dir string
}

func (f File) Path() string {
	dir := f.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, Name)
}

// Write records the current process ID. It fails with ErrAlreadyRunning
// when the file names a live process; a stale file is overwritten.
func (f File) Write() error {
	errFactory := errors.New()
	path := f.Path()

	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && pid != os.Getpid() && alive(pid) {
			return errFactory.WithData(errors.ErrAlreadyRunning, strconv.Itoa(pid))
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file if present.
func (f File) Remove() error {
	errFactory := errors.New()

	if err := os.Remove(f.Path()); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
