package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

func TestZipCompressKeepsFolderName(t *testing.T) {
	outDir := t.TempDir()
	folder := filepath.Join(outDir, "Backup_Pixel_7_20240102_030405")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"boot_a.img":   "boot",
		"vbmeta.img":   "vbmeta",
		"flash_all.sh": "#!/bin/bash\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(folder, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	dest := folder + ".zip"
	if err := NewZip().Compress(context.Background(), folder, dest); err != nil {
		t.Fatalf("Compress returned error: %v", err)
	}

	r, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	want := []string{
		"Backup_Pixel_7_20240102_030405/boot_a.img",
		"Backup_Pixel_7_20240102_030405/flash_all.sh",
		"Backup_Pixel_7_20240102_030405/vbmeta.img",
	}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entries = %v, want %v", names, want)
		}
	}
}

func TestZipCompressMissingSourceLeavesNoArchive(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.zip")
	if err := NewZip().Compress(context.Background(), filepath.Join(dir, "missing"), dest); err == nil {
		t.Fatalf("expected error for missing source")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected no archive, stat err = %v", err)
	}
}

func TestSevenZipWithoutExecutableFails(t *testing.T) {
	dir := t.TempDir()
	if err := NewSevenZip("", nil).Compress(context.Background(), dir, filepath.Join(dir, "x.zip")); err == nil {
		t.Fatalf("expected error when 7z is unavailable")
	}
}
