package srt

import (
	"context"
	"errors"
	"testing"

	"github.com/zsiec/afiyah/ingest"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := extractStreamKey(tc.streamID); got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestCallerValidatesRequest(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	if err := c.Pull(context.Background(), PullRequest{StreamKey: "k"}); err == nil {
		t.Error("missing address accepted")
	}
	if err := c.Pull(context.Background(), PullRequest{Address: "127.0.0.1:1"}); err == nil {
		t.Error("missing stream key accepted")
	}
	if err := c.Stop("k"); !errors.Is(err, ErrNoPull) {
		t.Errorf("got %v, want %v", err, ErrNoPull)
	}
	if n := len(c.ActivePulls()); n != 0 {
		t.Errorf("got %d pulls, want 0", n)
	}
}
