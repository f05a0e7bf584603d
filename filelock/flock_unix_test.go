//go:build unix

package filelock

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestLockContendedByAnotherHandle(t *testing.T) {
	locker := newTestLocker(t)
	path, _ := locker.Path("shared")
	if err := ensureFile(path); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	other, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer other.Close()
	if err := unix.Flock(int(other.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatalf("flock: %v", err)
	}

	ok, err := locker.Lock("shared", false)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if ok {
		t.Fatal("expected contention to return false")
	}
	if free, _ := locker.Probe("shared"); free {
		t.Fatal("expected probe to report contention")
	}

	if err := unix.Flock(int(other.Fd()), unix.LOCK_UN); err != nil {
		t.Fatalf("unflock: %v", err)
	}
	if free, _ := locker.Probe("shared"); !free {
		t.Fatal("expected probe to report free")
	}
	ok, err = locker.Lock("shared", false)
	if err != nil || !ok {
		t.Fatalf("lock after release: ok=%v err=%v", ok, err)
	}
}

func TestTwoLockersExcludeEachOther(t *testing.T) {
	dir := t.TempDir()
	a, _ := New(Config{PathFormat: dir + "/%s.lock"})
	b, _ := New(Config{PathFormat: dir + "/%s.lock"})
	if ok, _ := a.Lock("unit", false); !ok {
		t.Fatal("expected first locker to win")
	}
	if ok, _ := b.Lock("unit", false); ok {
		t.Fatal("expected second locker to lose")
	}
	a.Unlock("unit", false)
	if ok, _ := b.Lock("unit", false); !ok {
		t.Fatal("expected second locker to win after release")
	}
}
