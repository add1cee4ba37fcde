// Command afiyah-push sends a recorded or synthetic AFIYAH stream to an
// SRT listener at the stream's frame rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/afiyah/internal/mmapfile"
)

// chunkSize is one SRT live-mode payload.
const chunkSize = 1316

func main() {
	fileFlag := flag.String("file", "", "Recorded .afy stream to push")
	keyFlag := flag.String("key", "", "Stream key (default: file name without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	loopFlag := flag.Bool("loop", false, "Reconnect and push again after each pass")
	encodeFlag := flag.Bool("encode", false, "Push a synthetic test pattern instead of a file")
	sizeFlag := flag.String("size", "320x180", "Test pattern size")
	fpsFlag := flag.Float64("fps", 30, "Test pattern frame rate")
	framesFlag := flag.Int("frames", 300, "Test pattern length in frames")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	path := *fileFlag
	if path == "" && flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	if path == "" && !*encodeFlag {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  afiyah-push --file rec.afy [--key name] [--loop]\n")
		fmt.Fprintf(os.Stderr, "  afiyah-push --encode [--size 320x180] [--fps 30] [--key name]\n")
		os.Exit(1)
	}

	var data []byte
	key := *keyFlag
	if *encodeFlag {
		var w, h int
		if _, err := fmt.Sscanf(*sizeFlag, "%dx%d", &w, &h); err != nil {
			slog.Error("invalid size", "size", *sizeFlag, "error", err)
			os.Exit(1)
		}
		var err error
		data, err = encodePattern(w, h, *framesFlag, *fpsFlag, true)
		if err != nil {
			slog.Error("failed to encode test pattern", "error", err)
			os.Exit(1)
		}
		if key == "" {
			key = "pattern"
		}
	} else {
		f, err := mmapfile.Open(path)
		if err != nil {
			slog.Error("failed to open stream file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		data = f.Bytes()
		if key == "" {
			base := filepath.Base(path)
			key = strings.TrimSuffix(base, filepath.Ext(base))
		}
	}

	src, err := scan(data)
	if err != nil {
		slog.Error("invalid stream", "error", err)
		os.Exit(1)
	}
	if src.truncated {
		slog.Warn("stream ends inside a record")
	}
	slog.Info("stream loaded",
		"key", key,
		"size", fmt.Sprintf("%dx%d", src.header.Width, src.header.Height),
		"fps", src.header.FrameRate,
		"records", len(src.ends),
		"bytes", len(data),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	streamID := "live/" + key
	for {
		if err := pushOnce(ctx, *addrFlag, streamID, src); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("push failed, retrying", "stream", streamID, "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if !*loopFlag || ctx.Err() != nil {
			return
		}
	}
}

func pushOnce(ctx context.Context, addr, streamID string, src *source) error {
	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID
	slog.Info("connecting", "addr", addr, "stream", streamID)
	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT connect: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	start := time.Now()
	if err := writeChunks(conn, src.data[:src.start]); err != nil {
		return err
	}
	interval := src.frameInterval()
	prev := src.start
	for i, end := range src.ends {
		if err := writeChunks(conn, src.data[prev:end]); err != nil {
			return err
		}
		prev = end
		due := start.Add(time.Duration(float64(i+1) * interval * float64(time.Second)))
		if !sleep(ctx, time.Until(due)) {
			return ctx.Err()
		}
	}
	slog.Info("pass complete", "stream", streamID, "records", len(src.ends), "elapsed", time.Since(start).Truncate(time.Millisecond))
	return nil
}

func writeChunks(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n := min(chunkSize, len(b))
		if _, err := w.Write(b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// sleep waits d or until ctx is done, reporting false in the latter case.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
