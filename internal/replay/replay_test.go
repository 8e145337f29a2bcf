package replay

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestWriteDrainSuffix(t *testing.T) {
	b := New(16)
	b.Write([]byte("hello "))
	b.Write([]byte("world this is long"))
	got := b.Drain()
	want := "world this is long"
	want = want[len(want)-16:]
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if b.Size() != 0 || !b.Empty() {
		t.Fatalf("expected empty buffer after drain")
	}
}

func TestOversizedChunkTruncates(t *testing.T) {
	b := New(4)
	b.Write([]byte("abcdefgh"))
	got := b.Drain()
	if string(got) != "efgh" {
		t.Fatalf("got %q want efgh", got)
	}
}

func TestInvariantSuffixOfAllWrites(t *testing.T) {
	const capacity = 32
	b := New(capacity)
	var all []byte
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		n := r.Intn(10) + 1
		chunk := make([]byte, n)
		for j := range chunk {
			chunk[j] = byte('a' + r.Intn(26))
		}
		all = append(all, chunk...)
		b.Write(chunk)
	}
	got := b.Drain()
	want := all
	if len(want) > capacity {
		want = want[len(want)-capacity:]
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}
