package bastion

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPackUnpackDirectory(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "payload", "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"payload/top.txt":         "hello",
		"payload/nested/deep.txt": "world",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := PackDirectory(filepath.Join(src, "payload"), &buf); err != nil {
		t.Fatalf("PackDirectory: %v", err)
	}

	dest := t.TempDir()
	if err := UnpackDirectory(&buf, dest); err != nil {
		t.Fatalf("UnpackDirectory: %v", err)
	}

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestUnpackDirectoryRejectsEscape(t *testing.T) {
	// Hand-build an archive with a path traversal entry.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("x")
	if err := tw.WriteHeader(&tar.Header{Name: "../f", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	err := UnpackDirectory(bytes.NewReader(buf.Bytes()), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("expected escape error, got %v", err)
	}
}

func TestWrapTimeout(t *testing.T) {
	got := WrapTimeout("ip addr list", 120*time.Second)
	want := "sudo timeout --foreground -k 10 120 ip addr list"
	if got != want {
		t.Errorf("WrapTimeout = %q, want %q", got, want)
	}
}
