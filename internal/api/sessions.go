package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/stream"
)

type listSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.List()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSONStatus(w, listSessionsResponse{Sessions: infos}, http.StatusOK)
}

// streamSessionEvents lets a second client follow a live session. It ends
// after the terminal frame or when the observer leaves.
func (s *Server) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	eventsChan, err := s.sessions.Observe(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stream.SetSSEHeaders(w)
	w.Header().Set(sessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	enc := stream.NewSSEEncoder(w)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			if event.Terminal() {
				return
			}
		case <-heartbeat.C:
			if err := enc.Heartbeat(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
