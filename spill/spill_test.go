package spill

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBitmapTakeAll(t *testing.T) {
	b := newBitmap(70)

	seen := make(map[uint32]bool)
	for i := 0; i < 70; i++ {
		slot, ok := b.take()
		if !ok {
			t.Fatalf("failed to take slot %d", i)
		}
		if seen[slot] {
			t.Fatalf("duplicate slot %d", slot)
		}
		seen[slot] = true
	}
	if _, ok := b.take(); ok {
		t.Error("take should fail when full")
	}
	if b.count() != 70 || b.used != 70 {
		t.Errorf("count=%d used=%d, want 70", b.count(), b.used)
	}
}

func TestBitmapReleaseReuse(t *testing.T) {
	b := newBitmap(10)
	for i := 0; i < 10; i++ {
		b.take()
	}
	if !b.release(3) {
		t.Fatal("release(3) failed")
	}
	if b.release(3) {
		t.Fatal("double release should report false")
	}
	slot, ok := b.take()
	if !ok || slot != 3 {
		t.Fatalf("expected slot 3 back, got %d %v", slot, ok)
	}
}

func TestBitmapReset(t *testing.T) {
	b := newBitmap(32)
	for i := 0; i < 32; i++ {
		b.take()
	}
	b.reset()
	if b.count() != 0 {
		t.Errorf("count should be 0 after reset, got %d", b.count())
	}
	if slot, ok := b.take(); !ok || slot != 0 {
		t.Errorf("expected slot 0 after reset, got %d %v", slot, ok)
	}
}

func TestArenaAllocPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill")
	a, err := New(path, 4096, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ref, buf, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 4096 {
		t.Fatalf("page length %d", len(buf))
	}
	copy(buf, "dirty page")

	got, err := a.Page(ref)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(got, []byte("dirty page")) {
		t.Fatalf("Page returned %q", got[:10])
	}
	if a.InUse() != 1 {
		t.Fatalf("InUse = %d", a.InUse())
	}

	a.Release(ref)
	if _, err := a.Page(ref); !errors.Is(err, ErrBadRef) {
		t.Fatalf("expected ErrBadRef after release, got %v", err)
	}
}

// Growing past one segment keeps earlier buffers valid.
func TestArenaGrowKeepsBuffers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill")
	a, err := New(path, 512, 4)
	if err != nil {
		t.Fatal(err)
	}

	var bufs [][]byte
	for i := 0; i < 10; i++ {
		_, buf, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d failed: %v", i, err)
		}
		buf[0] = byte(i)
		bufs = append(bufs, buf)
	}
	for i, buf := range bufs {
		if buf[0] != byte(i) {
			t.Fatalf("buffer %d lost its contents", i)
		}
	}
	if a.Capacity() != 12 {
		t.Fatalf("expected 3 segments of 4, capacity %d", a.Capacity())
	}

	a.Reset()
	if a.InUse() != 0 {
		t.Fatalf("InUse after Reset = %d", a.InUse())
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}

// Segment files are unlinked once mapped, so the directory stays empty.
func TestArenaLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()
	a, err := New(filepath.Join(dir, "spill"), 512, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	for i := 0; i < 5; i++ {
		if _, _, err := a.Alloc(); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files in %s, found %d", dir, len(entries))
	}
}

// Arenas created with the same path do not share storage.
func TestArenaSamePathIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill")
	a, err := New(path, 512, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	_, buf, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	copy(buf, "first arena")

	b, err := New(path, 512, 4)
	if err != nil {
		t.Fatal(err)
	}
	_, other, err := b.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	copy(other, "second arena")
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if !bytes.HasPrefix(buf, []byte("first arena")) {
		t.Fatalf("first arena's page changed to %q", buf[:12])
	}
}

func TestArenaReleaseRewinds(t *testing.T) {
	a, err := New(filepath.Join(t.TempDir(), "spill"), 512, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	first, _, _ := a.Alloc()
	a.Alloc()
	a.Alloc() // forces a second segment
	a.Release(first)

	ref, _, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if ref != first {
		t.Fatalf("expected freed slot %x to be reused, got %x", first, ref)
	}
}

func BenchmarkArenaAlloc(b *testing.B) {
	a, err := New(filepath.Join(b.TempDir(), "spill"), 4096, 0)
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ref, _, err := a.Alloc()
		if err != nil {
			b.Fatal(err)
		}
		a.Release(ref)
	}
}
