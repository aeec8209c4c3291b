// Package httpapi exposes session control, job status, live subscriptions
// and audio ingest over HTTP and websockets.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"clinical-risk-service/internal/api"
	"clinical-risk-service/internal/observability/logging"
	"clinical-risk-service/internal/observability/metrics"
	"clinical-risk-service/internal/service/audio"
	"clinical-risk-service/internal/service/session"
)

// Deps are the ports the router drives.
type Deps struct {
	Sessions api.Sessions
	Jobs     api.Jobs
	Records  api.Records
	Audio    api.AudioSink
	// Ready reports whether the service can take traffic; nil means always.
	Ready   func() error
	Metrics *metrics.Metrics
}

type handler struct {
	Deps
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// NewRouter constructs the HTTP router for the service.
func NewRouter(deps Deps) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	h := &handler{
		Deps: deps,
		log:  logging.WithComponent("http-api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", h.readiness)

	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Post("/start", h.startSession)
		r.Post("/pause", h.pauseSession)
		r.Post("/resume", h.resumeSession)
		r.Post("/stop", h.stopSession)
		r.Get("/flags", h.listFlags)
		r.Post("/reprocess", h.reprocess)
		r.Get("/events", h.events)
		r.Get("/audio", h.ingestAudio)
	})
	r.Get("/v1/jobs/{id}", h.jobStatus)

	return r
}

// instrument records request count and latency by route pattern.
func (h *handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		h.Metrics.RecordRequest("http", r.Method+" "+route, strconv.Itoa(code), time.Since(start).Seconds())
	})
}

func (h *handler) readiness(w http.ResponseWriter, _ *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, _ := api.Status(err)
	if code >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("Request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// decodeBody reads an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *handler) writeState(w http.ResponseWriter, r *http.Request, sessionID string) {
	state, err := h.Sessions.State(sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "state": state.String()})
}

func (h *handler) startSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		TeamID string `json:"teamId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.Sessions.StartSession(r.Context(), id, body.TeamID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeState(w, r, id)
}

func (h *handler) pauseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Sessions.PauseSession(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeState(w, r, id)
}

func (h *handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Sessions.ResumeSession(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeState(w, r, id)
}

type stopResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	JobID     string `json:"jobId,omitempty"`
	Fragments int    `json:"fragments"`
	Flags     int    `json:"flags"`
	Error     string `json:"error,omitempty"`
}

// stopSession answers 200 even when the provider failed mid-session: the
// session is terminal and its partial transcript is persisted.
func (h *handler) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.Sessions.Stop(r.Context(), id)
	var streamErr *session.ProviderStreamError
	if err != nil && !errors.As(err, &streamErr) {
		h.writeError(w, r, err)
		return
	}
	out := stopResponse{
		SessionID: id,
		State:     res.State.String(),
		JobID:     res.JobID,
		Fragments: res.Fragments,
		Flags:     res.Flags,
	}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := api.DescribeSession(r.Context(), h.Sessions, h.Records, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) listFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := h.Records.ListFlags(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

func (h *handler) reprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		TeamID   string `json:"teamId"`
		AudioRef string `json:"audioRef"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if body.AudioRef == "" {
		// Default to the audio archived by the live session.
		if rec, err := h.Records.GetTranscript(r.Context(), id); err == nil {
			body.AudioRef = rec.AudioRef
			if body.TeamID == "" {
				body.TeamID = rec.TeamID
			}
		}
	}
	if body.AudioRef == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "audioRef is required"})
		return
	}
	jobID, err := h.Jobs.EnqueueReprocessing(r.Context(), id, body.TeamID, body.AudioRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (h *handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// events streams a session's live events as JSON text messages until the
// session ends or the client disconnects.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.Sessions.Subscribe(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("sessionId", id).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	h.Metrics.RecordStreamDelta("websocket", 1)
	defer h.Metrics.RecordStreamDelta("websocket", -1)

	// Drain client frames so close and pong control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Str("sessionId", id).Msg("Subscriber write failed")
				return
			}
		}
	}
}

// ingestAudio pushes binary websocket frames into the session's capture.
// Frames dropped for backpressure are counted by the capture; the
// connection closes when the capture ends.
func (h *handler) ingestAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("sessionId", id).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	h.Metrics.AudioIngestConns.Inc()
	defer h.Metrics.AudioIngestConns.Dec()

	log := h.log.With().Str("sessionId", id).Logger()
	log.Info().Msg("Audio ingest connected")

	var frames, bytes int
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Audio ingest read ended")
			}
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		err = h.Audio.Push(id, data)
		switch {
		case err == nil:
			frames++
			bytes += len(data)
		case errors.Is(err, audio.ErrBackpressure):
			continue
		default:
			code, _ := api.Status(err)
			closeCode := websocket.CloseInternalServerErr
			if code < http.StatusInternalServerError {
				closeCode = websocket.ClosePolicyViolation
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, err.Error()), time.Now().Add(writeWait))
			log.Info().Err(err).Int("frames", frames).Int("bytes", bytes).Msg("Audio ingest rejected")
			return
		}
	}
	log.Info().Int("frames", frames).Int("bytes", bytes).Msg("Audio ingest closed")
}
