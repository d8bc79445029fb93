package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "stagehand.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatalf("expected PID in lock file, got empty")
	}
	pid, ok := HolderPID(lockPath)
	if !ok || pid != os.Getpid() {
		t.Fatalf("HolderPID = %d, %v; want %d", pid, ok, os.Getpid())
	}
}

func TestAcquireForStateIsExclusive(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "data", "runs.db")
	first, err := AcquireForState(statePath)
	if err != nil {
		t.Fatalf("AcquireForState: %v", err)
	}
	if first.Path() != filepath.Join(filepath.Dir(statePath), FileName) {
		t.Fatalf("Path = %q", first.Path())
	}

	_, err = AcquireForState(statePath)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second acquire err = %v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := AcquireForState(statePath)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquireRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := AcquireForState(""); err == nil {
		t.Fatal("expected error for empty state path")
	}
	if _, err := AcquirePIDLock(""); err == nil {
		t.Fatal("expected error for empty lock path")
	}
}
