package device

import (
	"context"
	"testing"
	"time"
)

func TestStagingAcquireRelease(t *testing.T) {
	t.Parallel()

	s, err := NewStaging(2, 16)
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	defer s.Close()

	seg, release, err := s.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(seg) != 10 {
		t.Fatalf("segment length %d, want 10", len(seg))
	}
	release()
}

func TestStagingOversizeShard(t *testing.T) {
	t.Parallel()

	s, err := NewStaging(1, 8)
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	defer s.Close()

	if _, _, err := s.Acquire(context.Background(), 9); err == nil {
		t.Fatal("Acquire accepted a shard larger than a segment")
	}
}

func TestStagingBackpressure(t *testing.T) {
	t.Parallel()

	s, err := NewStaging(1, 8)
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	defer s.Close()

	_, release, err := s.Acquire(context.Background(), 8)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Second acquire must block until release or context end.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := s.Acquire(ctx, 8); err == nil {
		t.Fatal("Acquire did not block while all segments were busy")
	}

	release()
	_, release2, err := s.Acquire(context.Background(), 8)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}
