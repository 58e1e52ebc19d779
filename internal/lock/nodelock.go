// Package lock keeps a single dispatcher per node on one host. Two processes
// bound to the same routing key would each receive every command and invoke
// the hardware twice.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrHeld means another live process holds the node's lock.
var ErrHeld = errors.New("node lock held by another process")

// NodeLock is a PID file held open under flock(2). The lock lasts as long as
// the file descriptor.
type NodeLock struct {
	path string
	f    *os.File
}

// PathFor returns the lock file for node inside dir.
func PathFor(dir, node string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, node)
	return filepath.Join(dir, "placqs-"+safe+".lock")
}

// Acquire takes the exclusive non-blocking lock for node and records the
// current PID in it.
func Acquire(dir, node string) (*NodeLock, error) {
	if dir == "" || node == "" {
		return nil, fmt.Errorf("lock dir and node are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := PathFor(dir, node)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: node %s, pid %s (%s)", ErrHeld, node, holder, path)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &NodeLock{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func readHolder(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	if pid := strings.TrimSpace(string(buf[:n])); pid != "" {
		return pid
	}
	return "unknown"
}

func (l *NodeLock) Path() string { return l.path }

// Release drops the lock. The file is left behind; the next Acquire reuses it.
func (l *NodeLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
