package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/thermalmon/internal/errors"
)

const (
	pidFile = "thermalmon.pid"
)

// File is a PID file guarding against a second daemon on the same host.
type File struct {
	path string
}

// New returns a PID file in dir, or in the temp directory if dir is empty.
func New(dir string) *File {
	if dir == "" {
		dir = os.TempDir()
	}

	return &File{path: filepath.Join(dir, pidFile)}
}

// Path returns the location of the PID file.
func (f *File) Path() string {
	return f.path
}

// Write writes the current process ID to the PID file. A PID file left
// behind by a process that no longer exists is replaced.
func (f *File) Write() error {
	errFactory := errors.New()

	if bytes, err := os.ReadFile(f.path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if err == nil && pid != os.Getpid() && processAlive(pid) {
			return errFactory.WithData(errors.ErrAlreadyRunning, pid)
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file.
func (f *File) Remove() error {
	errFactory := errors.New()

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))

	return err == nil || errors.Is(err, syscall.EPERM)
}
