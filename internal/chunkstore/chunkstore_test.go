package chunkstore

import (
	"context"
	"testing"
)

// Validation runs before the transaction opens, so these paths are
// exercisable without a database.

func TestReplaceChunksRejectsGappedOrdinals(t *testing.T) {
	r := &Repository{}
	chunks := []*Chunk{
		{ChunkIndex: 0, ChunkText: "a"},
		{ChunkIndex: 2, ChunkText: "b"},
	}
	if err := r.ReplaceChunks(context.Background(), "d1", "e1", "org1", chunks); err != ErrBadOrdinals {
		t.Fatalf("err = %v, want ErrBadOrdinals", err)
	}
}

func TestReplaceChunksRejectsOwnerMismatch(t *testing.T) {
	r := &Repository{}
	chunks := []*Chunk{
		{ChunkIndex: 0, ChunkText: "a", OwnerID: "someone-else"},
	}
	if err := r.ReplaceChunks(context.Background(), "d1", "e1", "org1", chunks); err != ErrOwnerMismatch {
		t.Fatalf("err = %v, want ErrOwnerMismatch", err)
	}
}
