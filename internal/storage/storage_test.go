package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikicat/iwd-harness/internal/wait"
)

func TestNewDefault(t *testing.T) {
	if got := New("").Root; got != DefaultDir {
		t.Errorf("Root = %q, want %q", got, DefaultDir)
	}
}

func TestCreateExistsRemove(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "iwd"))

	if err := d.Create("ssidCCMP.psk", "[Security]\nPassphrase=secret123\n"); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if !d.Exists("ssidCCMP.psk") {
		t.Fatal("created file missing")
	}
	data, _ := os.ReadFile(d.Path("ssidCCMP.psk"))
	if string(data) != "[Security]\nPassphrase=secret123\n" {
		t.Errorf("content = %q", data)
	}

	if err := d.Remove("ssidCCMP.psk"); err != nil {
		t.Fatalf("Remove() = %v", err)
	}
	if d.Exists("ssidCCMP.psk") {
		t.Error("file still present after Remove")
	}
	if err := d.Remove("ssidCCMP.psk"); err != nil {
		t.Errorf("Remove() of missing file = %v", err)
	}
}

func TestRejectsEscapingNames(t *testing.T) {
	d := New(t.TempDir())
	for _, name := range []string{"../evil", "..", "", "a/../../b"} {
		if err := d.Create(name, "x"); err == nil {
			t.Errorf("Create(%q) succeeded", name)
		}
		if err := d.Remove(name); err == nil {
			t.Errorf("Remove(%q) succeeded", name)
		}
	}
}

func TestCopy(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "iwd"))

	// Sources are relative to the working directory.
	src := t.TempDir()
	t.Chdir(src)
	if err := os.WriteFile("ssidOpen.open", []byte("[Settings]\nAutoConnect=true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := d.Copy("ssidOpen.open"); err != nil {
		t.Fatalf("Copy() = %v", err)
	}
	if err := d.CopyToHotspot("ssidOpen.open"); err != nil {
		t.Fatalf("CopyToHotspot() = %v", err)
	}
	if err := d.CopyToAP("ssidOpen.open"); err != nil {
		t.Fatalf("CopyToAP() = %v", err)
	}
	for _, name := range []string{"ssidOpen.open", "hotspot/ssidOpen.open", "ap/ssidOpen.open"} {
		if !d.Exists(name) {
			t.Errorf("%s missing after copy", name)
		}
	}

	err := d.Copy(filepath.Join(src, "ssidOpen.open"))
	if !errors.Is(err, ErrAbsolutePath) {
		t.Errorf("Copy(absolute) = %v, want ErrAbsolutePath", err)
	}
	if err := d.Copy("missing.psk"); err == nil {
		t.Error("Copy() of missing source succeeded")
	}
}

func TestClear(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "iwd"))
	for _, name := range []string{"a.psk", "hotspot/b.conf", "ap/c.ap"} {
		if err := d.Create(name, "x"); err != nil {
			t.Fatalf("Create(%s) = %v", name, err)
		}
	}

	if err := d.Clear(); err != nil {
		t.Fatalf("Clear() = %v", err)
	}
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries left after Clear: %v", entries)
	}

	missing := New(filepath.Join(t.TempDir(), "nope"))
	if err := missing.Clear(); err != nil {
		t.Errorf("Clear() on missing dir = %v", err)
	}
}

func TestWaitForFileExisting(t *testing.T) {
	d := New(t.TempDir())
	if err := d.Create("ssid.psk", "x"); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitForFile(context.Background(), "ssid.psk", time.Second); err != nil {
		t.Fatalf("WaitForFile() = %v", err)
	}
}

func TestWaitForFileCreatedLater(t *testing.T) {
	d := New(t.TempDir())

	go func() {
		time.Sleep(50 * time.Millisecond)
		d.Create("ssid.psk", "x") //nolint:errcheck
	}()

	if err := d.WaitForFile(context.Background(), "ssid.psk", 5*time.Second); err != nil {
		t.Fatalf("WaitForFile() = %v", err)
	}
}

func TestWaitForFileTimeout(t *testing.T) {
	d := New(t.TempDir())
	err := d.WaitForFile(context.Background(), "never.psk", 50*time.Millisecond)
	if !errors.Is(err, wait.ErrTimeout) {
		t.Fatalf("WaitForFile() = %v, want timeout", err)
	}
}
