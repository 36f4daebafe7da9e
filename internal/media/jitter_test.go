package media

import (
	"log/slog"
	"testing"
)

func jitterLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestJitterWriteRead(t *testing.T) {
	j := NewJitterBuffer(0, jitterLogger())
	if j.Depth() != DefaultJitterDepth {
		t.Fatalf("Depth() = %d, want %d", j.Depth(), DefaultJitterDepth)
	}

	in := []int16{1, 2, 3, 4, 5}
	j.Write(in)
	if j.Available() != 5 {
		t.Fatalf("Available() = %d, want 5", j.Available())
	}

	out := j.Read(3)
	if len(out) != 3 || out[0] != 1 || out[1] != 2 || out[2] != 3 {
		t.Errorf("Read(3) = %v, want [1 2 3]", out)
	}
	if j.Available() != 2 {
		t.Errorf("Available() = %d after read, want 2", j.Available())
	}
}

func TestJitterUnderflowReturnsShort(t *testing.T) {
	j := NewJitterBuffer(16, jitterLogger())
	j.Write([]int16{7, 8})

	out := j.Read(10)
	if len(out) != 2 {
		t.Fatalf("Read(10) returned %d samples, want 2", len(out))
	}
	if out := j.Read(1); len(out) != 0 {
		t.Errorf("Read on empty buffer returned %d samples, want 0", len(out))
	}
}

func TestJitterOverflowDropsOldest(t *testing.T) {
	j := NewJitterBuffer(4, jitterLogger())
	j.Write([]int16{1, 2, 3, 4})
	j.Write([]int16{5, 6})

	if j.Available() != 4 {
		t.Fatalf("Available() = %d, want 4 (buffer full)", j.Available())
	}
	out := j.Read(4)
	want := []int16{3, 4, 5, 6}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("Read(4) = %v, want %v", out, want)
		}
	}
}

func TestJitterOversizedWriteKeepsNewest(t *testing.T) {
	j := NewJitterBuffer(4, jitterLogger())
	j.Write([]int16{1, 2, 3, 4, 5, 6, 7, 8, 9})

	out := j.Read(4)
	want := []int16{6, 7, 8, 9}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("Read(4) = %v, want %v", out, want)
		}
	}
}

func TestJitterWrapAround(t *testing.T) {
	j := NewJitterBuffer(8, jitterLogger())

	// Cycle enough data through to wrap the ring several times.
	next := int16(0)
	for round := 0; round < 5; round++ {
		chunk := make([]int16, 6)
		for i := range chunk {
			chunk[i] = next
			next++
		}
		j.Write(chunk)
		out := j.Read(6)
		for i := range out {
			wantVal := chunk[i]
			if out[i] != wantVal {
				t.Fatalf("round %d: out[%d] = %d, want %d", round, i, out[i], wantVal)
			}
		}
	}
}
