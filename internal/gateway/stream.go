package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"market-gateway/internal/analysis"
	"market-gateway/internal/ratelimit"
)

const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from arbitrary origins in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAnalysisSSE streams analysis events as server-sent events. Each event
// carries the event type in the SSE event field and the JSON body in data.
func (s *Server) handleAnalysisSSE(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, ratelimit.ClassRead) {
		s.deps.Metrics.observeRequest("analysis_sse", "rate_limited")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: CodeInternal, Message: "streaming unsupported"})
		return
	}

	asset := r.PathValue("asset")
	timeframe := r.URL.Query().Get("timeframe")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.deps.Streamer.Stream(r.Context(), asset, timeframe, func(ev analysis.Event) error {
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("event: " + string(ev.Type) + "\n")); err != nil {
			return err
		}
		if _, err := w.Write(append(append([]byte("data: "), body...), '\n', '\n')); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// The connection is already committed to the event stream; all we can
		// do is stop writing.
		s.logger.Debug().Err(err).Str("asset", asset).Msg("sse stream ended early")
		s.deps.Metrics.observeRequest("analysis_sse", "error")
		return
	}
	s.deps.Metrics.observeRequest("analysis_sse", "ok")
}

// handleAnalysisWS streams the same event sequence over a websocket, one JSON
// message per event.
func (s *Server) handleAnalysisWS(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, ratelimit.ClassRead) {
		s.deps.Metrics.observeRequest("analysis_ws", "rate_limited")
		return
	}

	asset := r.PathValue("asset")
	timeframe := r.URL.Query().Get("timeframe")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain the read side so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.deps.Streamer.Stream(r.Context(), asset, timeframe, func(ev analysis.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("asset", asset).Msg("websocket stream ended early")
		s.deps.Metrics.observeRequest("analysis_ws", "error")
	} else {
		s.deps.Metrics.observeRequest("analysis_ws", "ok")
	}

	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
