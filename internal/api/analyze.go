package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/stream"
)

const (
	sessionHeader   = "X-Session-ID"
	maxRequestBytes = 64 << 10
	wsRequestWait   = 30 * time.Second
)

func decodeRequest(body io.Reader) (filing.Request, error) {
	var req filing.Request
	if body == nil {
		return req, filing.ErrInvalidRequest
	}
	if err := json.NewDecoder(io.LimitReader(body, maxRequestBytes)).Decode(&req); err != nil {
		return req, filing.Wrap(filing.KindInvalidRequest, "decode request", err)
	}
	return req, nil
}

// analyze streams one session as server-sent events. A body that is not a
// request object is rejected with 400; field validation happens inside the
// session and arrives as an error frame.
func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r.Body)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess, ch := s.sessions.Start(ctx, req)

	stream.SetSSEHeaders(w)
	w.Header().Set(sessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)

	if err := stream.Forward(ctx, stream.NewSSEEncoder(w), ch); err != nil {
		s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("client left before the session finished")
	}
}

// analyzeWS runs one session over a websocket. The first client message is
// the request; frames follow as text messages and the server closes the
// connection after the terminal frame.
func (s *Server) analyzeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	enc := stream.NewWSEncoder(conn)
	defer enc.Close()

	conn.SetReadLimit(maxRequestBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	var req filing.Request
	if err := conn.ReadJSON(&req); err != nil {
		_ = enc.Encode(events.Error(filing.KindInvalidRequest, "invalid request"))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sess, ch := s.sessions.Start(ctx, req)
	if err := stream.Forward(ctx, enc, ch); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("websocket closed before the session finished")
	}
}
