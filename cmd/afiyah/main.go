package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/afiyah/certs"
	"github.com/zsiec/afiyah/distribution"
	"github.com/zsiec/afiyah/fleet"
	"github.com/zsiec/afiyah/ingest"
	srtingest "github.com/zsiec/afiyah/ingest/srt"
	"github.com/zsiec/afiyah/internal/config"
	"github.com/zsiec/afiyah/ladder"
	"github.com/zsiec/afiyah/pipeline"
	"github.com/zsiec/afiyah/session"
	"github.com/zsiec/afiyah/stream"
)

var version = "dev"

// localMaxStreams bounds the sessions the built-in node serves.
const localMaxStreams = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	lad, err := cfg.LadderValue()
	if err != nil {
		slog.Error("invalid ladder", "error", err)
		os.Exit(1)
	}

	nodeID := envOr("NODE_ID", hostname())
	endpoint := envOr("NODE_ENDPOINT", localEndpoint(cfg.SegmentAddr))

	slog.Info("generating self-signed certificate")
	host, _, _ := net.SplitHostPort(endpoint)
	cert, err := certs.Generate(14*24*time.Hour, host)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	nodes := fleet.NewRegistry(fleet.Config{Policy: cfg.Policy()})
	for _, n := range cfg.FleetNodes() {
		if err := nodes.Register(n); err != nil {
			slog.Error("failed to register node", "id", n.ID, "error", err)
			os.Exit(1)
		}
	}
	local := fleet.Node{
		ID:       nodeID,
		Endpoint: endpoint,
		Caps:     fleet.Capabilities{MaxStreams: localMaxStreams, Codecs: []string{"afiyah"}},
		Quality:  1,
	}
	if err := nodes.Register(local); err != nil {
		slog.Error("failed to register local node", "error", err)
		os.Exit(1)
	}

	client := distribution.NewHTTP3Client(&tls.Config{RootCAs: cert.Pool()})
	defer client.Close()

	sessions, err := session.NewManager(nodes, client, session.Config{
		Ladder:     lad,
		ABR:        cfg.ABR(),
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		slog.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	a := &app{
		cfg:    cfg,
		ladder: lad,
		mgr:    stream.NewManager(nil),
	}

	slog.Info("afiyah starting",
		"version", version,
		"node", nodeID,
		"srt", cfg.SRTAddr,
		"segments", cfg.SegmentAddr,
		"api", cfg.APIAddr,
		"rungs", lad.Len(),
		"policy", cfg.Policy(),
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	// Registry and caller closures capture the errgroup context so streams
	// stop when any component fails.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader, format ingest.Format) {
		a.handleNewStream(ctx, key, input, format)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	a.distSrv, err = distribution.NewServer(distribution.ServerConfig{
		Addr:     cfg.SegmentAddr,
		Cert:     cert,
		NodeID:   nodeID,
		Retain:   cfg.RetainSegments,
		Sessions: sessions,
		Fleet:    nodes,
		SRTPull: func(address, streamKey, streamID string) error {
			return a.srtCaller.Pull(ctx, srtingest.PullRequest{
				Address:   address,
				StreamKey: streamKey,
				StreamID:  streamID,
			})
		},
		SRTStop: a.srtCaller.Stop,
		SRTList: a.listSRTPulls,
	})
	if err != nil {
		slog.Error("failed to create distribution server", "error", err)
		os.Exit(1)
	}

	srtSrv := srtingest.NewServer(cfg.SRTAddr, a.registry, nil)

	apiSrv := &http.Server{
		Addr:      cfg.APIAddr,
		Handler:   a.distSrv.APIHandler(),
		TLSConfig: cert.ServerConfig(),
	}

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		return nodes.Run(ctx)
	})

	g.Go(func() error {
		return a.heartbeat(ctx, nodes, nodeID)
	})

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.distSrv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg       *config.Config
	ladder    *ladder.Ladder
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	distSrv   *distribution.Server
}

func (a *app) listSRTPulls() []distribution.SRTPullInfo {
	pulls := a.srtCaller.ActivePulls()
	out := make([]distribution.SRTPullInfo, len(pulls))
	for i, p := range pulls {
		out[i] = distribution.SRTPullInfo{
			Address:   p.Address,
			StreamKey: p.StreamKey,
			StreamID:  p.StreamID,
		}
	}
	return out
}

// heartbeat keeps the built-in node alive in the registry until ctx is
// done.
func (a *app) heartbeat(ctx context.Context, nodes *fleet.Registry, id string) error {
	t := time.NewTicker(fleet.DefaultLiveness / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := nodes.Heartbeat(id, fleet.Heartbeat{Health: fleet.Healthy, Quality: 1}); err != nil {
				slog.Warn("local heartbeat failed", "error", err)
			}
		}
	}
}

func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader, format ingest.Format) {
	slog.Info("new stream from ingest", "key", key, "format", format)

	st, created := a.mgr.Create(key, a.ladder)
	if !created {
		slog.Warn("rejecting duplicate stream connection", "key", key)
		return
	}
	defer a.teardownStream(key)

	store := a.distSrv.RegisterStream(key, a.ladder)

	p := pipeline.New(key, input, store, pipeline.Config{
		Ladder:          a.ladder,
		SegmentDuration: a.cfg.Segment(),
		TileSize:        a.cfg.TileSize,
		ReferenceWindow: a.cfg.ReferenceWindow,
		Lossless:        a.cfg.Lossless,
		Attention:       a.cfg.Attention,
		OnSource:        st.SetSource,
	})
	p.SetProtocol("SRT")
	if in, ok := a.registry.Get(key); ok {
		p.SetIngest(in)
	}
	a.distSrv.SetPipeline(key, p)

	if err := p.Run(ctx); err != nil {
		slog.Error("pipeline error", "stream", key, "error", err)
	}
	slog.Info("stream ended", "key", key)
}

// teardownStream removes all resources for a stream across the distribution
// server and stream manager in a single call.
func (a *app) teardownStream(key string) {
	a.distSrv.UnregisterStream(key)
	a.mgr.Remove(key)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}

// localEndpoint turns a listen address into one clients on this host can
// dial.
func localEndpoint(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
