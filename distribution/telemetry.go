package distribution

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/afiyah/abr"
	"github.com/zsiec/afiyah/session"
)

const telemetryWriteTimeout = 5 * time.Second

// SECURITY: CheckOrigin accepts all origins, matching the API's CORS
// policy. Deployments exposing the API publicly should check origins at
// the proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleTelemetry upgrades to a WebSocket on which every text message is
// an Ack and every reply the resulting decision.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	m := s.sessionsOr501(w)
	if m == nil {
		return
	}
	id := r.PathValue("id")
	if _, err := m.Get(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("telemetry upgrade failed", "session", id, "error", err)
		return
	}
	defer ws.Close()

	log := s.log.With("session", id)
	log.Debug("telemetry connected")
	closeWith := func(code int, reason string) {
		// Control frames carry at most 125 bytes, two of them the code.
		if len(reason) > 123 {
			reason = reason[:123]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(telemetryWriteTimeout))
	}

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("telemetry read failed", "error", err)
			}
			return
		}
		var ack session.Ack
		if err := json.Unmarshal(message, &ack); err != nil {
			closeWith(websocket.CloseUnsupportedData, "invalid ack")
			return
		}
		d, err := m.OnSegmentAck(r.Context(), id, ack)
		if err != nil {
			log.Warn("telemetry ack failed", "error", err)
			closeWith(websocket.CloseInternalServerErr, err.Error())
			return
		}
		_ = ws.SetWriteDeadline(time.Now().Add(telemetryWriteTimeout))
		if err := ws.WriteJSON(newAckResponse(d)); err != nil {
			log.Debug("telemetry write failed", "error", err)
			return
		}
		if d.State == abr.StateStopped {
			closeWith(websocket.CloseNormalClosure, "session stopped")
			return
		}
	}
}
