// Package sensor provides synchronous access to raw sensor endpoints such as
// sysfs and procfs attribute files.
package sensor

import (
	"os"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
)

// Reader reads one raw value from a named endpoint.
type Reader interface {
	Read(endpoint string) (string, error)
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(endpoint string) (string, error)

func (f ReaderFunc) Read(endpoint string) (string, error) {
	return f(endpoint)
}

// NewFileReader returns a Reader for attribute files. Reads that take longer
// than timeout fail with ErrSensorTimeout.
func NewFileReader(timeout time.Duration) Reader {
	return WithTimeout(ReaderFunc(readFile), timeout)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.New().Wrap(ErrSensorRead, err)
	}

	return strings.TrimSpace(string(data)), nil
}

type timeoutReader struct {
	next    Reader
	timeout time.Duration
}

// WithTimeout bounds every read of next. A read that does not finish in time
// keeps running in the background; its result is discarded.
func WithTimeout(next Reader, timeout time.Duration) Reader {
	if timeout <= 0 {
		return next
	}

	return &timeoutReader{next: next, timeout: timeout}
}

type readResult struct {
	value string
	err   error
}

func (r *timeoutReader) Read(endpoint string) (string, error) {
	ch := make(chan readResult, 1)
	go func() {
		value, err := r.next.Read(endpoint)
		ch <- readResult{value: value, err: err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-timer.C:
		return "", errors.New().WithData(ErrSensorTimeout, endpoint)
	}
}

// ReadOrEmpty reads endpoint and maps any failure to an empty string.
func ReadOrEmpty(r Reader, endpoint string) string {
	value, err := r.Read(endpoint)
	if err != nil {
		return ""
	}

	return value
}

// MemoryReader serves endpoint values from memory. It is safe for
// concurrent use and is what the poller tests read from.
type MemoryReader struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryReader(values map[string]string) *MemoryReader {
	m := &MemoryReader{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}

	return m
}

func (m *MemoryReader) Read(endpoint string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[endpoint]
	if !ok {
		return "", errors.New().WithData(ErrSensorRead, endpoint)
	}

	return strings.TrimSpace(value), nil
}

// Set replaces the value served for endpoint.
func (m *MemoryReader) Set(endpoint, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[endpoint] = value
}

// Delete makes endpoint unreadable.
func (m *MemoryReader) Delete(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, endpoint)
}
