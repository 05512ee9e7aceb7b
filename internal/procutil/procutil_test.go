package procutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"syscall"
	"testing"
	"time"
)

func TestReadComm_Self(t *testing.T) {
	comm := ReadComm(int32(os.Getpid()))
	if comm == "" {
		t.Fatal("ReadComm on self returned empty string")
	}
	t.Logf("self comm = %q", comm)
}

func TestReadComm_InvalidPID(t *testing.T) {
	comm := ReadComm(-1)
	if comm != "" {
		t.Errorf("expected empty string for invalid PID, got %q", comm)
	}
}

func TestReadPGID_InvalidPID(t *testing.T) {
	if got := ReadPGID(-1); got != 0 {
		t.Errorf("expected 0 for invalid PID, got %d", got)
	}
}

func TestReadPGID_Self(t *testing.T) {
	want := int32(syscall.Getpgrp())
	if got := ReadPGID(int32(os.Getpid())); got != want {
		t.Errorf("ReadPGID = %d, want %d", got, want)
	}
}

func TestFindByComm_Self(t *testing.T) {
	self := int32(os.Getpid())
	pids := FindByComm(ReadComm(self))
	if !slices.Contains(pids, self) {
		t.Errorf("FindByComm did not find self (%d) in %v", self, pids)
	}
	if !IsRunning(ReadComm(self)) {
		t.Error("IsRunning(self) = false")
	}
}

func TestFindByComm_Missing(t *testing.T) {
	if IsRunning("no-such-process-name") {
		t.Error("IsRunning reported a nonexistent process")
	}
}

func TestFindByComm_SkipsZombies(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := int32(cmd.Process.Pid)

	// Without Wait the child stays a zombie once it exits.
	for range 100 {
		if IsZombie(pid) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer cmd.Wait() //nolint:errcheck

	if !IsZombie(pid) {
		t.Skip("child did not become a zombie in time")
	}
	if slices.Contains(FindByComm("true"), pid) {
		t.Error("FindByComm returned a zombie")
	}
}

func TestFindByComm_FakeProc(t *testing.T) {
	root := t.TempDir()
	write := func(pid, comm, stat string) {
		dir := filepath.Join(root, pid)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644) //nolint:errcheck
		os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644)      //nolint:errcheck
	}
	write("10", "iwd", "10 (iwd) S 1 10 10 0")
	write("11", "iwd", "11 (iwd) Z 1 11 11 0")
	write("12", "dbus-daemon", "12 (dbus-daemon) S 1 12 12 0")
	os.MkdirAll(filepath.Join(root, "self"), 0o755) //nolint:errcheck

	old := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = old })

	got := FindByComm("iwd")
	if len(got) != 1 || got[0] != 10 {
		t.Errorf("FindByComm(iwd) = %v, want [10]", got)
	}
	if ReadPGID(12) != 12 {
		t.Errorf("ReadPGID(12) = %d", ReadPGID(12))
	}
}
