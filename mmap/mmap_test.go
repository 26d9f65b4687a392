package mmap

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func createFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dat")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestNew(t *testing.T) {
	data := []byte("hello world test data for mmap")
	f := createFile(t, data)

	m, err := New(int(f.Fd()), 0, len(data), false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if !bytes.Equal(m.Data(), data) {
		t.Errorf("mmap data mismatch: got %q, want %q", m.Data(), data)
	}
	if m.Size() != int64(len(data)) {
		t.Errorf("size mismatch: got %d, want %d", m.Size(), len(data))
	}
	if m.Writable() {
		t.Error("read-only mapping reports writable")
	}
}

func TestInvalidSize(t *testing.T) {
	f := createFile(t, []byte("x"))
	if _, err := New(int(f.Fd()), 0, 0, false); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestReserveBeyondFile(t *testing.T) {
	ps := PageSize()
	f := createFile(t, make([]byte, ps))

	m, err := New(int(f.Fd()), 0, ps*16, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	// Grow the file after mapping; the new pages show up at the same address.
	if _, err := f.WriteAt([]byte("grown"), int64(ps*3)); err != nil {
		t.Fatal(err)
	}
	region, err := m.Region(int64(ps*3), 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(region) != "grown" {
		t.Fatalf("expected grown, got %q", region)
	}
}

func TestWritableSync(t *testing.T) {
	f := createFile(t, make([]byte, PageSize()))

	m, err := New(int(f.Fd()), 0, PageSize(), true)
	if err != nil {
		t.Fatal(err)
	}
	copy(m.Data(), "written through map")
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 19)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "written through map" {
		t.Fatalf("unexpected file content %q", buf)
	}
}

func TestRegionBounds(t *testing.T) {
	f := createFile(t, make([]byte, PageSize()))
	m, err := New(int(f.Fd()), 0, PageSize(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := m.Region(-1, 1); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("negative offset: expected ErrInvalidRange, got %v", err)
	}
	if _, err := m.Region(int64(PageSize()-1), 2); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("overrun: expected ErrInvalidRange, got %v", err)
	}
	r, err := m.Region(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if cap(r) != 8 {
		t.Errorf("region capacity leaks past its end: %d", cap(r))
	}
}

func TestCloseTwice(t *testing.T) {
	f := createFile(t, make([]byte, PageSize()))
	m, err := New(int(f.Fd()), 0, PageSize(), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := m.Region(0, 1); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("expected ErrNotMapped, got %v", err)
	}
	if err := m.AdviseRandom(); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("expected ErrNotMapped, got %v", err)
	}
}
