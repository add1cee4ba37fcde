package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/zsiec/afiyah/abr"
	"github.com/zsiec/afiyah/fleet"
	"github.com/zsiec/afiyah/session"
)

// statusFor maps session and fleet errors to HTTP status codes.
func statusFor(err error) int {
	var se *session.SessionError
	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, fleet.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInFlight), errors.Is(err, fleet.ErrDuplicateNode):
		return http.StatusConflict
	case errors.Is(err, session.ErrStopped):
		return http.StatusGone
	case errors.Is(err, fleet.ErrNoCapableNode), errors.Is(err, fleet.ErrAtCapacity):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, abr.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// StatsResponse is the payload of /api/stats.
type StatsResponse struct {
	Streams  map[string]StreamSnapshot `json:"streams"`
	Sessions []session.Info            `json:"sessions"`
	Nodes    int                       `json:"nodes"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{Streams: make(map[string]StreamSnapshot), Sessions: []session.Info{}}
	for key, sr := range s.resources() {
		if sr.pipeline != nil {
			resp.Streams[key] = sr.pipeline.StreamSnapshot()
		}
	}
	if s.config.Sessions != nil {
		resp.Sessions = s.config.Sessions.List()
	}
	if s.config.Fleet != nil {
		resp.Nodes = len(s.config.Fleet.Nodes())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fleetOr501(w http.ResponseWriter) *fleet.Registry {
	if s.config.Fleet == nil {
		writeError(w, http.StatusNotImplemented, "fleet not configured")
	}
	return s.config.Fleet
}

func (s *Server) sessionsOr501(w http.ResponseWriter) *session.Manager {
	if s.config.Sessions == nil {
		writeError(w, http.StatusNotImplemented, "sessions not configured")
	}
	return s.config.Sessions
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	f := s.fleetOr501(w)
	if f == nil {
		return
	}
	writeJSON(w, http.StatusOK, f.Nodes())
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	f := s.fleetOr501(w)
	if f == nil {
		return
	}
	var n fleet.Node
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if n.ID == "" || n.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "id and endpoint are required")
		return
	}
	if err := f.Register(n); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	got, _ := f.Get(n.ID)
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	f := s.fleetOr501(w)
	if f == nil {
		return
	}
	var hb fleet.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := f.Heartbeat(id, hb); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	got, _ := f.Get(id)
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleDeregisterNode(w http.ResponseWriter, r *http.Request) {
	f := s.fleetOr501(w)
	if f == nil {
		return
	}
	id := r.PathValue("id")
	if _, ok := f.Get(id); !ok {
		writeError(w, http.StatusNotFound, fleet.ErrUnknownNode.Error())
		return
	}
	f.Deregister(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	m := s.sessionsOr501(w)
	if m == nil {
		return
	}
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	id, err := m.Start(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	info, err := m.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	m := s.sessionsOr501(w)
	if m == nil {
		return
	}
	writeJSON(w, http.StatusOK, m.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	m := s.sessionsOr501(w)
	if m == nil {
		return
	}
	info, err := m.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	m := s.sessionsOr501(w)
	if m == nil {
		return
	}
	id := r.PathValue("id")
	if _, err := m.Get(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	m.Stop(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func writeSegment(w http.ResponseWriter, seg *session.Segment) {
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Content-Length", strconv.Itoa(len(seg.Data)))
	h.Set(HeaderStream, seg.ID.Content)
	h.Set(HeaderLevel, strconv.Itoa(int(seg.ID.Level)))
	h.Set(HeaderIndex, strconv.FormatInt(seg.ID.Index, 10))
	h.Set(HeaderNode, seg.Node)
	h.Set(HeaderAttempts, strconv.Itoa(seg.Attempts))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(seg.Data)
}

func (s *Server) handleNextSegment(w http.ResponseWriter, r *http.Request) {
	m := s.sessionsOr501(w)
	if m == nil {
		return
	}
	seg, err := m.RequestSegment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeSegment(w, seg)
}

// AckResponse is the reply to an ack. Data carries the refetched segment
// when a failed delivery was re-requested.
type AckResponse struct {
	session.Decision
	Data []byte `json:"data,omitempty"`
}

func newAckResponse(d session.Decision) AckResponse {
	resp := AckResponse{Decision: d}
	if d.Refetched != nil {
		resp.Data = d.Refetched.Data
	}
	return resp
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	m := s.sessionsOr501(w)
	if m == nil {
		return
	}
	var ack session.Ack
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := m.OnSegmentAck(r.Context(), r.PathValue("id"), ack)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newAckResponse(d))
}
