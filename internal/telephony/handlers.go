package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/session"
)

// drainTimeout bounds how long a closing stream waits for its session.
const drainTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	// Media streams come from the telephony provider, not a browser.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler serves the media stream websocket and the session API.
type Handler struct {
	sessions *session.Manager
	defaults session.Config
	logger   zerolog.Logger
}

// NewHandler creates a handler starting sessions on sessions with defaults
// as the base configuration.
func NewHandler(sessions *session.Manager, defaults session.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		defaults: defaults,
		logger:   logger.With().Str("component", "telephony").Logger(),
	}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /streams/media", h.HandleMediaStream)
	mux.HandleFunc("GET /api/sessions", h.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDelete)
}

// HandleMediaStream runs one call: it starts a session on the stream's start
// event, feeds it inbound audio and ends it when the stream stops or breaks.
func (h *Handler) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade media stream")
		return
	}
	defer conn.Close()

	stream := NewMediaStream(conn, h.defaults.SampleRate)
	ctx := context.WithoutCancel(r.Context())

	var (
		sess *session.Session
		fr   *framer
	)
	defer func() {
		if sess == nil {
			return
		}
		sess.Stop()
		select {
		case <-sess.Done():
		case <-time.After(drainTimeout):
			h.logger.Warn().Str("session_id", sess.ID).Msg("Session did not drain before the stream closed")
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure:
				h.logger.Debug().Msg("Media stream closed")
			case sess != nil && ended(sess):
				h.logger.Debug().Str("session_id", sess.ID).Msg("Media stream closed after session ended")
			case sess != nil:
				h.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Media stream read failed")
				sess.Lost(err)
			default:
				h.logger.Debug().Err(err).Msg("Media stream ended before start")
			}
			return
		}

		switch msg.Event {
		case "connected":
			h.logger.Debug().Msg("Media stream connected")

		case "start":
			if sess != nil || msg.Start == nil {
				continue
			}
			cfg, err := h.defaults.WithOverrides(msg.Start.Parameters())
			if err != nil {
				h.logger.Warn().Err(err).Str("call_sid", msg.Start.CallSid).Msg("Rejected call parameters")
				return
			}
			stream.setStreamSid(streamSid(msg))
			sess, err = h.sessions.Start(ctx, cfg, stream)
			if err != nil {
				h.logger.Error().Err(err).Str("call_sid", msg.Start.CallSid).Msg("Failed to start session")
				sentry.CaptureException(err)
				return
			}
			fr = newFramer(cfg.SampleRate, cfg.FrameDuration)
			go closeWhenDone(conn, sess)
			h.logger.Info().
				Str("session_id", sess.ID).
				Str("call_sid", msg.Start.CallSid).
				Str("stream_sid", streamSid(msg)).
				Str("language", cfg.Language).
				Msg("Call started")

		case "media":
			if sess == nil || msg.Media == nil {
				continue
			}
			payload := msg.Media.Payload
			if payload == "" {
				payload = msg.Media.Chunk
			}
			frames, err := fr.push(payload, time.Now())
			if err != nil {
				h.logger.Debug().Err(err).Msg("Dropped media payload")
				continue
			}
			for _, f := range frames {
				if err := sess.Push(ctx, f); err != nil {
					h.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("Session stopped accepting audio")
					return
				}
			}

		case "mark":
			if sess != nil && msg.Mark != nil {
				h.logger.Debug().Str("session_id", sess.ID).Str("mark", msg.Mark.Name).Msg("Agent audio played")
			}

		case "stop":
			if sess != nil {
				h.logger.Info().Str("session_id", sess.ID).Msg("Call stopped")
			}
			return

		default:
			h.logger.Debug().Str("event", msg.Event).Msg("Unknown media stream event")
		}
	}
}

// closeWhenDone hangs up the stream once its session ends, so a session
// stopped through the API releases the call.
func closeWhenDone(conn *websocket.Conn, s *session.Session) {
	<-s.Done()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(writeWait))
	conn.Close()
}

func ended(s *session.Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func streamSid(msg Message) string {
	if msg.Start != nil && msg.Start.StreamSid != "" {
		return msg.Start.StreamSid
	}
	return msg.StreamSid
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.List()})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": session.ErrNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Stop(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to stop session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "stopping"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WithSentryRecovery reports handler panics to Sentry and answers 500.
func WithSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}
