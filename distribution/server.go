package distribution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/afiyah/certs"
	"github.com/zsiec/afiyah/fleet"
	"github.com/zsiec/afiyah/ladder"
	"github.com/zsiec/afiyah/session"
)

// DefaultSegmentWait is how long a segment request waits for the live
// edge.
const DefaultSegmentWait = 5 * time.Second

// StatsProvider is implemented by the pipeline to supply stream
// statistics for the stats API.
type StatsProvider interface {
	StreamSnapshot() StreamSnapshot
}

// RungInfo is one rung of a live stream and the segments it retains.
type RungInfo struct {
	ladder.Rung
	First     int64 `json:"first"`
	Last      int64 `json:"last"`
	Available bool  `json:"available"`
}

// StreamInfo is the summary of a live stream returned by /api/streams.
type StreamInfo struct {
	Key      string     `json:"key"`
	Protocol string     `json:"protocol,omitempty"`
	UptimeMs int64      `json:"uptimeMs,omitempty"`
	Ended    bool       `json:"ended,omitempty"`
	Rungs    []RungInfo `json:"rungs"`
}

// SRTPullFunc initiates an SRT caller-mode pull from a remote address.
type SRTPullFunc func(address, streamKey, streamID string) error

// SRTStopFunc stops an active SRT pull by stream key.
type SRTStopFunc func(streamKey string) error

// SRTListFunc returns all active SRT pulls.
type SRTListFunc func() []SRTPullInfo

// SRTPullInfo describes an active SRT caller-mode pull.
type SRTPullInfo struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	Addr string
	Cert *certs.CertInfo
	// NodeID names this node in segment response headers.
	NodeID      string
	SegmentWait time.Duration
	// Retain is the per-rung segment count of new stores.
	Retain int

	// Sessions and Fleet back the session and node APIs; either may be nil.
	Sessions *session.Manager
	Fleet    *fleet.Registry

	SRTPull SRTPullFunc
	SRTStop SRTStopFunc
	SRTList SRTListFunc

	Log *slog.Logger
}

// streamResources bundles the store and stats provider of one live stream
// so both are registered and torn down as a unit.
type streamResources struct {
	store    *Store
	pipeline StatsProvider
}

// Server serves segments over HTTP/3 and the REST API over both HTTP/3 and
// HTTPS.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server

	mu      sync.RWMutex
	streams map[string]*streamResources
}

// NewServer creates a distribution Server. It returns an error if required
// fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.SegmentWait <= 0 {
		config.SegmentWait = DefaultSegmentWait
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config:  config,
		log:     log.With("component", "distribution"),
		streams: make(map[string]*streamResources),
	}, nil
}

// RegisterStream creates the Store for a stream key and returns it. If the
// stream already has a store, the existing one is returned.
func (s *Server) RegisterStream(streamKey string, l *ladder.Ladder) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.store
	}
	st := NewStore(streamKey, l, s.config.Retain, s.config.Log)
	s.streams[streamKey] = &streamResources{store: st}
	return st
}

// UnregisterStream closes and removes the store of a stream key.
func (s *Server) UnregisterStream(streamKey string) {
	s.mu.Lock()
	sr := s.streams[streamKey]
	delete(s.streams, streamKey)
	s.mu.Unlock()
	if sr != nil {
		sr.store.Close()
	}
}

// SetPipeline associates a StatsProvider with a registered stream key.
func (s *Server) SetPipeline(streamKey string, p StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		sr.pipeline = p
	}
}

// GetStore returns the Store for a stream key, or nil if not found.
func (s *Server) GetStore(streamKey string) *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.store
	}
	return nil
}

func (s *Server) resources() map[string]*streamResources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*streamResources, len(s.streams))
	for k, v := range s.streams {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /segments/{stream}/{level}/{index}", s.handleSegment)

	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)

	mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	mux.HandleFunc("POST /api/nodes", s.handleRegisterNode)
	mux.HandleFunc("POST /api/nodes/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.handleDeregisterNode)

	mux.HandleFunc("POST /api/sessions", s.handleStartSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleStopSession)
	mux.HandleFunc("POST /api/sessions/{id}/next", s.handleNextSegment)
	mux.HandleFunc("POST /api/sessions/{id}/ack", s.handleAck)
	mux.HandleFunc("GET /api/sessions/{id}/telemetry", s.handleTelemetry)

	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handleSRTPullOptions)
}

// APIHandler returns an http.Handler serving segments and the REST API,
// for use behind an HTTPS listener.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start launches the HTTP/3 server and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.h3 = &http3.Server{
		Addr:    s.config.Addr,
		Handler: s.APIHandler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}

	s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	id, err := parseSegmentPath(r.PathValue("stream"), r.PathValue("level"), r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	store := s.GetStore(id.Content)
	if store == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.SegmentWait)
	defer cancel()
	seg, err := store.Wait(ctx, id.Level, id.Index)
	switch {
	case errors.Is(err, ErrUnknownLevel):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrSegmentExpired), errors.Is(err, ErrStreamEnded):
		writeError(w, http.StatusGone, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "segment not yet produced")
		return
	case err != nil:
		// The client went away.
		return
	}

	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Content-Length", strconv.Itoa(len(seg.Data)))
	h.Set(HeaderStream, id.Content)
	h.Set(HeaderLevel, strconv.Itoa(int(seg.Level)))
	h.Set(HeaderIndex, strconv.FormatInt(seg.Index, 10))
	h.Set(HeaderDuration, strconv.FormatInt(seg.Duration.Milliseconds(), 10))
	if s.config.NodeID != "" {
		h.Set(HeaderNode, s.config.NodeID)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(seg.Data); err != nil {
		s.log.Debug("segment write failed", "segment", id.String(), "error", err)
	}
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	res := s.resources()
	resp := make([]StreamInfo, 0, len(res))
	for key, sr := range res {
		info := StreamInfo{Key: key, Ended: sr.store.Ended()}
		if sr.pipeline != nil {
			snap := sr.pipeline.StreamSnapshot()
			info.Protocol = snap.Protocol
			info.UptimeMs = snap.UptimeMs
		}
		for _, rung := range sr.store.Ladder().Rungs() {
			ri := RungInfo{Rung: rung}
			ri.First, ri.Last, ri.Available = sr.store.Range(rung.ID)
			info.Rungs = append(info.Rungs, ri)
		}
		resp = append(resp, info)
	}
	slices.SortFunc(resp, func(a, b StreamInfo) int { return strings.Compare(a.Key, b.Key) })
	writeJSON(w, http.StatusOK, resp)
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: The SRT pull endpoint accepts arbitrary addresses, which could be
// used for SSRF if exposed to untrusted clients.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req SRTPullInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.StreamKey, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
