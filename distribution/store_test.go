package distribution

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/afiyah/ladder"
)

func testLadder(t *testing.T) *ladder.Ladder {
	t.Helper()
	l, err := ladder.New([]ladder.Rung{
		{Bitrate: 200_000, Width: 64, Height: 48, FPS: 15, ExpectedQuality: 0.6},
		{Bitrate: 800_000, Width: 128, Height: 96, FPS: 30, ExpectedQuality: 0.8},
	})
	if err != nil {
		t.Fatalf("ladder.New: %v", err)
	}
	return l
}

func publish(t *testing.T, s *Store, level ladder.ID, from, to int64) {
	t.Helper()
	for i := from; i < to; i++ {
		if err := s.Publish(&Segment{Level: level, Index: i, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Publish(%d, %d): %v", level, i, err)
		}
	}
}

func TestStorePublishAndRetain(t *testing.T) {
	t.Parallel()

	s := NewStore("live", testLadder(t), 3, nil)
	publish(t, s, 0, 0, 5)

	first, last, ok := s.Range(0)
	if !ok || first != 2 || last != 4 {
		t.Fatalf("Range = %d..%d (%v), want 2..4", first, last, ok)
	}
	if _, err := s.Segment(0, 1); !errors.Is(err, ErrSegmentExpired) {
		t.Errorf("Segment(0, 1) err = %v, want ErrSegmentExpired", err)
	}
	seg, err := s.Segment(0, 3)
	if err != nil {
		t.Fatalf("Segment(0, 3): %v", err)
	}
	if seg.Data[0] != 3 {
		t.Errorf("got data %v, want [3]", seg.Data)
	}
	if _, err := s.Segment(0, 5); !errors.Is(err, ErrNotReady) {
		t.Errorf("Segment(0, 5) err = %v, want ErrNotReady", err)
	}
	if _, _, ok := s.Range(1); ok {
		t.Error("rung 1 should be empty")
	}
	latest, err := s.Latest(0)
	if err != nil || latest.Index != 4 {
		t.Errorf("Latest = %v, %v, want index 4", latest, err)
	}
}

func TestStoreRejectsBadPublish(t *testing.T) {
	t.Parallel()

	s := NewStore("live", testLadder(t), 0, nil)
	publish(t, s, 1, 10, 12)

	if err := s.Publish(&Segment{Level: 1, Index: 11}); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("republish err = %v, want ErrOutOfOrder", err)
	}
	if err := s.Publish(&Segment{Level: 7, Index: 0}); !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("unknown level err = %v, want ErrUnknownLevel", err)
	}
	if _, err := s.Segment(9, 0); !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("Segment unknown level err = %v, want ErrUnknownLevel", err)
	}
}

func TestStoreGapResetsRing(t *testing.T) {
	t.Parallel()

	s := NewStore("live", testLadder(t), 0, nil)
	publish(t, s, 0, 0, 3)
	publish(t, s, 0, 7, 8)

	first, last, _ := s.Range(0)
	if first != 7 || last != 7 {
		t.Errorf("Range = %d..%d, want 7..7", first, last)
	}
}

func TestStoreWaitForLiveEdge(t *testing.T) {
	t.Parallel()

	s := NewStore("live", testLadder(t), 0, nil)
	got := make(chan *Segment, 1)
	go func() {
		seg, err := s.Wait(context.Background(), 0, 2)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		got <- seg
	}()

	publish(t, s, 0, 0, 3)
	select {
	case seg := <-got:
		if seg == nil || seg.Index != 2 {
			t.Fatalf("got %v, want index 2", seg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestStoreWaitEndsOnClose(t *testing.T) {
	t.Parallel()

	s := NewStore("live", testLadder(t), 0, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background(), 1, 0)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStreamEnded) {
			t.Fatalf("got %v, want ErrStreamEnded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Close")
	}
	if err := s.Publish(&Segment{Level: 0}); !errors.Is(err, ErrStreamEnded) {
		t.Errorf("Publish after Close err = %v, want ErrStreamEnded", err)
	}
}

func TestStoreWaitHonoursContext(t *testing.T) {
	t.Parallel()

	s := NewStore("live", testLadder(t), 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Wait(ctx, 0, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestStreamStatsSnapshot(t *testing.T) {
	t.Parallel()

	l := testLadder(t)
	st := NewStreamStats(l)
	now := time.Now()
	st.now = func() time.Time { return now }

	st.RecordFrame(1, 1000, true, 2)
	st.RecordFrame(1, 500, false, 2.5)
	st.RecordSegment(1)
	st.RecordSideData(2, true)
	st.RecordFrame(5, 100, false, 1)

	snap := st.Snapshot()
	if len(snap.Rungs) != 2 {
		t.Fatalf("got %d rungs, want 2", len(snap.Rungs))
	}
	r := snap.Rungs[1]
	if r.Frames != 2 || r.Keyframes != 1 || r.TotalBytes != 1500 || r.Segments != 1 {
		t.Errorf("rung stats = %+v", r)
	}
	if r.BaseStep != 2.5 {
		t.Errorf("base step = %v, want 2.5", r.BaseStep)
	}
	// 1500 bytes over a 2 s window.
	if r.BitrateKbps != 6 {
		t.Errorf("bitrate = %v kbps, want 6", r.BitrateKbps)
	}
	if snap.Captions != 2 || snap.AudioChunks != 1 {
		t.Errorf("side data = %d/%d, want 2/1", snap.Captions, snap.AudioChunks)
	}

	now = now.Add(3 * time.Second)
	if got := st.Snapshot().Rungs[1].BitrateKbps; got != 0 {
		t.Errorf("bitrate after window = %v, want 0", got)
	}
}

func TestStoreUsesGivenLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewStore("live", testLadder(t), 0, log)
	s.Close()
	out := buf.String()
	for _, want := range []string{"store closed", "component=store", "stream=live"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}
