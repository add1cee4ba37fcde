package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

func mustRegister(t *testing.T, r *Registry, key string) (*Stream, io.Writer) {
	t.Helper()
	s, w, err := r.Register(key, FormatAfiyah)
	if err != nil {
		t.Fatalf("Register(%q): %v", key, err)
	}
	return s, w
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, w := mustRegister(t, r, "test-stream")

	if stream.Key != "test-stream" {
		t.Fatalf("got key %q, want %q", stream.Key, "test-stream")
	}
	if stream.Format != FormatAfiyah {
		t.Fatalf("got format %v, want %v", stream.Format, FormatAfiyah)
	}
	if w == nil {
		t.Fatal("writer is nil")
	}
	got, ok := r.Get("test-stream")
	if !ok || got != stream {
		t.Fatal("Get did not return the registered stream")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	first, _ := mustRegister(t, r, "dup")
	if _, _, err := r.Register("dup", FormatAfiyah); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want %v", err, ErrDuplicate)
	}
	r.Unregister(first)
	mustRegister(t, r, "dup")
}

func TestRegistryUnregisterClosesPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := mustRegister(t, r, "stream1")
	r.Unregister(stream)

	if _, ok := r.Get("stream1"); ok {
		t.Fatal("stream still found after Unregister")
	}
	buf := make([]byte, 1)
	if _, err := stream.input.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after Unregister, got %v", err)
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed")
	}
	// A second Unregister is a no-op.
	r.Unregister(stream)
}

func TestRegistryOnStreamCallback(t *testing.T) {
	t.Parallel()

	type call struct {
		key    string
		format Format
		data   string
	}
	got := make(chan call, 1)
	r := NewRegistry(func(key string, in io.Reader, format Format) {
		b, _ := io.ReadAll(in)
		got <- call{key, format, string(b)}
	})

	s, w := mustRegister(t, r, "cb-stream")
	if _, err := io.WriteString(w, "AFIYAH"); err != nil {
		t.Fatal(err)
	}
	r.Unregister(s)

	select {
	case c := <-got:
		if c.key != "cb-stream" || c.format != FormatAfiyah || c.data != "AFIYAH" {
			t.Fatalf("got %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback not called within timeout")
	}
}

func TestStreamStats(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := mustRegister(t, r, "s1")
	stream.RecordRead(100)
	stream.RecordRead(200)
	stream.SetRemoteAddr("192.168.1.1:5000")
	stream.SetProtocol("srt")

	stats := stream.Stats()
	if stats.BytesReceived != 300 || stats.ReadCount != 2 {
		t.Fatalf("got %d bytes in %d reads, want 300 in 2", stats.BytesReceived, stats.ReadCount)
	}
	if stats.RemoteAddr != "192.168.1.1:5000" || stats.Protocol != "srt" {
		t.Fatalf("got %+v", stats)
	}
	if stats.ConnectedAt == 0 {
		t.Fatal("ConnectedAt is zero")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("stream-%d", i)
			s, _, err := r.Register(key, FormatAfiyah)
			if err != nil {
				t.Error(err)
				return
			}
			r.Get(key)
			r.Unregister(s)
		}()
	}
	wg.Wait()
	if n := r.Len(); n != 0 {
		t.Fatalf("got %d streams left, want 0", n)
	}
}
