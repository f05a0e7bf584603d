// Package filelock provides named advisory locks shared between processes on
// one host.
//
// Each name maps to a lock file built from a path format such as
// "/tmp/.dealgrid.%s.lock". Acquisition is a single non-blocking attempt;
// contention is reported as false rather than an error and retrying is left
// to the caller. Every operation on a Locker is serialized through an
// exlock name, so callers on one node never race each other while the OS
// lock is taken or released. Lock files are created world-writable so that
// cooperating processes running as different users can share them, and they
// are never deleted.
package filelock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pkt.systems/dealgrid/exlock"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultPathFormat is the lock file location template relative to the
// system temp directory.
const DefaultPathFormat = ".dealgrid.%s.lock"

// GuardName is the exlock name that serializes every Locker operation.
const GuardName = "filelock"

const lockFileMode fs.FileMode = 0o666

var (
	// ErrInvalidName is returned for empty names or names containing path
	// separators.
	ErrInvalidName = errors.New("filelock: invalid lock name")
	// ErrInvalidFormat is returned when the path format does not contain
	// exactly one %s verb.
	ErrInvalidFormat = errors.New("filelock: path format must contain exactly one %s")
)

// DefaultPath returns the default path format rooted at os.TempDir.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), DefaultPathFormat)
}

// Config configures a Locker.
type Config struct {
	// PathFormat is the lock file template. Empty selects DefaultPath.
	PathFormat string
	// Guard serializes operations. A private manager is created when nil.
	Guard  *exlock.Manager
	Logger pslog.Logger
}

// Locker owns the OS-level locks and open lock file handles of one process.
type Locker struct {
	format string
	guard  *exlock.Manager
	logger pslog.Logger

	// held is guarded by the GuardName exlock.
	held map[string]*os.File
}

// New validates cfg and returns a Locker.
func New(cfg Config) (*Locker, error) {
	format := strings.TrimSpace(cfg.PathFormat)
	if format == "" {
		format = DefaultPath()
	}
	if strings.Count(format, "%s") != 1 || strings.Count(format, "%") != 1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
	guard := cfg.Guard
	if guard == nil {
		guard = exlock.NewManager(exlock.WithLogger(cfg.Logger))
	}
	return &Locker{
		format: format,
		guard:  guard,
		logger: svcfields.WithSubsystem(cfg.Logger, "filelock"),
		held:   make(map[string]*os.File),
	}, nil
}

// PathFormat returns the configured lock file template.
func (l *Locker) PathFormat() string {
	return l.format
}

// Path returns the lock file path for name.
func (l *Locker) Path(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Clean(fmt.Sprintf(l.format, name)), nil
}

// Lock makes a single non-blocking attempt to take the lock for name. If this
// Locker already holds it, Lock returns allowAlreadyLocked without touching
// the OS lock. Contention with another process returns false and no error.
func (l *Locker) Lock(name string, allowAlreadyLocked bool) (bool, error) {
	path, err := l.Path(name)
	if err != nil {
		return false, err
	}
	release, err := l.enter()
	if err != nil {
		return false, err
	}
	defer release()

	if _, ok := l.held[name]; ok {
		l.logger.Debug("filelock.lock.already_held", "name", name, "allowed", allowAlreadyLocked)
		return allowAlreadyLocked, nil
	}
	if err := ensureFile(path); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	ok, err := tryLockFile(f)
	if err != nil {
		_ = f.Close()
		return false, fmt.Errorf("filelock: lock %s: %w", path, err)
	}
	if !ok {
		_ = f.Close()
		l.logger.Debug("filelock.lock.contended", "name", name, "path", path)
		return false, nil
	}
	l.held[name] = f
	l.logger.Debug("filelock.lock.acquired", "name", name, "path", path)
	return true, nil
}

// Unlock releases the lock for name and closes its handle. When the lock is
// not held, Unlock returns allowNotLocked.
func (l *Locker) Unlock(name string, allowNotLocked bool) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	release, err := l.enter()
	if err != nil {
		return false, err
	}
	defer release()
	return l.unlockLocked(name, allowNotLocked)
}

func (l *Locker) unlockLocked(name string, allowNotLocked bool) (bool, error) {
	f, ok := l.held[name]
	if !ok {
		l.logger.Debug("filelock.unlock.not_held", "name", name, "allowed", allowNotLocked)
		return allowNotLocked, nil
	}
	delete(l.held, name)
	unlockErr := unlockFile(f)
	closeErr := f.Close()
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return false, fmt.Errorf("filelock: unlock %s: %w", name, err)
	}
	l.logger.Debug("filelock.unlock.released", "name", name)
	return true, nil
}

// Check reports whether this Locker currently holds the lock for name.
func (l *Locker) Check(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	release, err := l.enter()
	if err != nil {
		return false, err
	}
	defer release()
	_, ok := l.held[name]
	return ok, nil
}

// Probe reports whether the lock for name could be taken right now. A lock
// held by this Locker reports false. The probe takes and immediately drops
// the OS lock, so it is only advisory.
func (l *Locker) Probe(name string) (bool, error) {
	path, err := l.Path(name)
	if err != nil {
		return false, err
	}
	release, err := l.enter()
	if err != nil {
		return false, err
	}
	defer release()
	if _, ok := l.held[name]; ok {
		return false, nil
	}
	if err := ensureFile(path); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	defer f.Close()
	ok, err := tryLockFile(f)
	if err != nil || !ok {
		return false, err
	}
	return true, unlockFile(f)
}

// Held returns the names currently locked by this Locker, sorted.
func (l *Locker) Held() ([]string, error) {
	release, err := l.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	names := make([]string, 0, len(l.held))
	for name := range l.held {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Reset releases every lock this Locker holds. It continues past failures
// and returns them joined.
func (l *Locker) Reset() error {
	release, err := l.enter()
	if err != nil {
		return err
	}
	defer release()
	var errs []error
	names := make([]string, 0, len(l.held))
	for name := range l.held {
		names = append(names, name)
	}
	for _, name := range names {
		if _, err := l.unlockLocked(name, true); err != nil {
			l.logger.Warn("filelock.reset.unlock_failed", "name", name, "error", err)
			errs = append(errs, err)
		}
	}
	l.logger.Info("filelock.reset", "released", len(names), "failed", len(errs))
	return errors.Join(errs...)
}

func (l *Locker) enter() (func(), error) {
	lock, err := l.guard.Acquire(GuardName, false)
	if err != nil {
		return nil, fmt.Errorf("filelock: guard: %w", err)
	}
	return lock.Release, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ensureFile creates path with world read/write permissions when missing.
// Losing a creation race to another process is not an error.
func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filelock: stat %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFileMode)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return fmt.Errorf("filelock: create %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("filelock: create %s: %w", path, err)
	}
	// The process umask usually strips group and other write bits.
	if err := os.Chmod(path, lockFileMode); err != nil {
		return fmt.Errorf("filelock: chmod %s: %w", path, err)
	}
	return nil
}
