package stage

import (
	"context"
	"strings"
	"testing"

	"github.com/pixell07/multi-tenant-ai/internal/apperror"
)

func TestChunkStageSplits(t *testing.T) {
	s := NewChunkStage(100, 20)
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 30)
	prior := Outputs{StageH: []byte(text)}

	res, err := s.Run(context.Background(), DocView{DocID: "d1"}, prior, nil, nopSink{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Chunks) < 2 {
		t.Fatalf("expected multiple chunks for %d chars, got %d", len(text), len(res.Chunks))
	}
	for i, c := range res.Chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d; indexes must be contiguous from 0", i, c.Index)
		}
		if c.Text == "" {
			t.Fatalf("chunk %d is empty", i)
		}
		if c.Type != "text" {
			t.Fatalf("chunk %d type = %q", i, c.Type)
		}
	}
}

func TestChunkStageDeterministic(t *testing.T) {
	s := NewChunkStage(80, 10)
	text := strings.Repeat("alpha beta gamma delta epsilon. ", 20)
	prior := Outputs{StageI: []byte(text)}

	a, err := s.Run(context.Background(), DocView{DocID: "d1"}, prior, nil, nopSink{})
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	b, err := s.Run(context.Background(), DocView{DocID: "d1"}, prior, nil, nopSink{})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if len(a.Chunks) != len(b.Chunks) {
		t.Fatalf("chunk counts differ across runs: %d vs %d", len(a.Chunks), len(b.Chunks))
	}
	for i := range a.Chunks {
		if a.Chunks[i].Text != b.Chunks[i].Text {
			t.Fatalf("chunk %d differs across runs", i)
		}
	}
}

func TestChunkStageNoPriorText(t *testing.T) {
	s := NewChunkStage(100, 20)
	_, err := s.Run(context.Background(), DocView{DocID: "d1"}, Outputs{}, nil, nopSink{})
	if apperror.KindOf(err) != apperror.Validation {
		t.Fatalf("error kind = %v, want Validation", apperror.KindOf(err))
	}
}
