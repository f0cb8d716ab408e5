package connector

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirPutFetchRoundTrip(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir() error: %v", err)
	}

	ref, err := d.Put("doc-1/report.pdf", []byte("raw bytes"))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, err := d.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if string(got) != "raw bytes" {
		t.Fatalf("Fetch() = %q", got)
	}
}

func TestDirRefsStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(root)
	if err != nil {
		t.Fatalf("NewDir() error: %v", err)
	}

	ref, err := d.Put("../../etc/escape", []byte("x"))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if strings.Contains(ref, "..") {
		t.Fatalf("returned ref %q escapes the spool root", ref)
	}
	abs := filepath.Join(root, ref)
	if rel, err := filepath.Rel(root, abs); err != nil || strings.HasPrefix(rel, "..") {
		t.Fatalf("spooled path %q is outside root", abs)
	}

	if _, err := d.Fetch(context.Background(), "../../etc/passwd"); err == nil {
		t.Fatal("Fetch() must not read outside the spool root")
	}
}

func TestDirResolve(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir() error: %v", err)
	}
	ref, err := d.Put("notes.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	res, err := d.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if string(res.Bytes) != "hello" || res.FileName != "notes.txt" {
		t.Fatalf("Resolve() = %+v", res)
	}
}
