//go:build unix

package disk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenImage(t *testing.T) {
	raw := testImage(8)
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	img, err := OpenImage(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer img.Close()

	if img.Sectors() != 8 {
		t.Fatalf("sectors = %d, want 8", img.Sectors())
	}
	dst := make([]byte, 3*SectorSize)
	if err := img.ReadSectors(5, dst); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(dst, raw[5*SectorSize:]) {
		t.Fatal("mapped read does not match file contents")
	}

	if err := img.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := img.ReadSectors(0, make([]byte, SectorSize)); err == nil {
		t.Fatal("read after close succeeded")
	}
}

func TestOpenImageRejectsPartialSector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.img")
	if err := os.WriteFile(path, make([]byte, SectorSize+1), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if _, err := OpenImage(path); err == nil {
		t.Fatal("expected error for partial trailing sector")
	}
}
