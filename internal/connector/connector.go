// Package connector declares the SourceConnector boundary spec.md §1
// and §6 describe: an external collaborator that hands the core
// ingested bytes and re-fetches them for later runs. Drive/Gmail/
// Classroom adapters are explicitly out of scope ("described only by
// the interfaces the core uses"); the one implementation here, Dir, is
// the local-spool connector cmd/server and cmd/process share so the
// system is operable end to end without any external adapter.
package connector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Resolved is what a connector returns for a newly ingested handle
// (spec.md §6: "(file_bytes, file_name, mime, source_id, workspace,
// owner_id)", plus an optional doc_type hint).
type Resolved struct {
	Bytes     []byte
	FileName  string
	MimeType  string
	SourceID  string
	OwnerID   string
	Workspace string
	DocType   string
}

// SourceConnector is injected by the caller that owns ingestion (outside
// this repository's scope); the orchestrator only ever calls Fetch, to
// re-read a document's bytes ahead of driving it through the pipeline.
type SourceConnector interface {
	// Resolve turns an external handle into a ready-to-insert document.
	Resolve(ctx context.Context, handle string) (Resolved, error)
	// Fetch re-reads the raw bytes for an already-ingested document,
	// identified by its source_ref, for (re-)processing.
	Fetch(ctx context.Context, sourceRef string) ([]byte, error)
}

// Dir is a SourceConnector over a local spool directory: source_refs
// are file names relative to Root. The upload handler writes bytes via
// Put; the orchestrator re-reads them via Fetch on every run.
type Dir struct {
	Root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Dir{Root: root}, nil
}

// Put spools bytes under ref and returns the source_ref to store on the
// document.
func (d *Dir) Put(ref string, data []byte) (string, error) {
	path := filepath.Join(d.Root, filepath.Clean("/"+ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	rel, err := filepath.Rel(d.Root, path)
	if err != nil {
		return "", err
	}
	return rel, nil
}

func (d *Dir) Resolve(_ context.Context, handle string) (Resolved, error) {
	data, err := d.Fetch(context.Background(), handle)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Bytes: data, FileName: filepath.Base(handle), SourceID: handle}, nil
}

func (d *Dir) Fetch(_ context.Context, sourceRef string) ([]byte, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(sourceRef, "/"))
	return os.ReadFile(filepath.Join(d.Root, clean))
}
