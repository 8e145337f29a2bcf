package sink

import (
	"reflect"
	"testing"
)

func TestWriteBuffersWithoutLiveSink(t *testing.T) {
	d := New()
	d.Write([]byte("hello "))
	d.Write([]byte("world"))
	if d.Buffer().Size() != len("hello world") {
		t.Fatalf("expected buffered bytes, got size %d", d.Buffer().Size())
	}
}

func TestSetSinkForwardsLive(t *testing.T) {
	d := New()
	var got []byte
	d.SetSink(func(data []byte) { got = append(got, data...) })
	d.Write([]byte("abc"))
	if string(got) != "abc" {
		t.Fatalf("got %q", got)
	}
	if d.Buffer().Size() != 0 {
		t.Fatalf("expected nothing buffered while live sink attached")
	}
}

func TestAttachOutputDrainsBufferedBytes(t *testing.T) {
	d := New()
	d.Write([]byte("pending-bytes"))
	var got [][]byte
	buffered := d.AttachOutput(func(data []byte) { got = append(got, data) })
	if string(buffered) != "pending-bytes" {
		t.Fatalf("got %q", buffered)
	}
	d.Write([]byte("post-resume"))
	if !reflect.DeepEqual(got, [][]byte{[]byte("post-resume")}) {
		t.Fatalf("live sink did not receive post-attach bytes: %v", got)
	}
}
