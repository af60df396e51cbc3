package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/stream"
)

func TestListSessions(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	manager := newManager(&cachedResolver{record: cachedQ3()}, &echoAnalyzer{hold: hold})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, ch := manager.Start(ctx, q3Request)
	select {
	case e := <-ch:
		require.Equal(t, events.KindProgress, e.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not start")
	}
	require.Eventually(t, func() bool {
		infos := manager.List()
		return len(infos) == 1 && infos[0].State == session.StateAnalyzing
	}, 5*time.Second, 5*time.Millisecond)

	server := newTestServer(t, manager, &MockFilings{}, &MockCache{}, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload listSessionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Sessions, 1)
	assert.Equal(t, "session-1", payload.Sessions[0].ID)
	assert.Equal(t, session.StateAnalyzing, payload.Sessions[0].State)
	assert.Equal(t, "SH:601127:2024:3", payload.Sessions[0].Fingerprint)
	assert.Equal(t, "cache", payload.Sessions[0].Source)
}

func TestListSessionsEmpty(t *testing.T) {
	sessions := &MockSessions{}
	sessions.On("List").Return(nil).Once()

	server := newTestServer(t, sessions, &MockFilings{}, &MockCache{}, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessions":[]}`, string(body))
}

func TestStreamSessionEvents(t *testing.T) {
	t.Run("replays and follows until terminal", func(t *testing.T) {
		hold := make(chan struct{})
		manager := newManager(&cachedResolver{record: cachedQ3()}, &echoAnalyzer{hold: hold})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, ch := manager.Start(ctx, q3Request)
		<-ch

		server := newTestServer(t, manager, &MockFilings{}, &MockCache{}, config.Config{})
		defer server.Close()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(server.URL + "/sessions/session-1/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		go func() {
			close(hold)
			for range ch {
			}
		}()

		frames := readFrames(t, resp.Body)
		statuses := make([]string, 0, len(frames))
		for _, frame := range frames {
			statuses = append(statuses, frame.Status)
		}
		assert.Equal(t, []string{stream.StatusProgress, stream.StatusAnalyzing, stream.StatusComplete}, statuses)
	})

	t.Run("heartbeat while idle", func(t *testing.T) {
		live := make(chan events.Event)
		sessions := &MockSessions{}
		sessions.On("Observe", mock.Anything, "session-7").Return((<-chan events.Event)(live), nil).Once()

		server := newTestServer(t, sessions, &MockFilings{}, &MockCache{}, config.Config{}, WithHeartbeat(10*time.Millisecond))
		defer server.Close()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(server.URL + "/sessions/session-7/events")
		require.NoError(t, err)
		defer resp.Body.Close()

		go func() {
			time.Sleep(50 * time.Millisecond)
			live <- events.Error(filing.KindDownloadFailure, "download failed")
		}()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		text := string(body)
		assert.Contains(t, text, ": keep-alive\n\n")
		assert.Contains(t, text, `data: {"status":"error","message":"download failed"}`)
		sessions.AssertExpectations(t)
	})

	t.Run("unknown session", func(t *testing.T) {
		sessions := &MockSessions{}
		sessions.On("Observe", mock.Anything, "missing").Return(nil, session.ErrNotFound).Once()

		server := newTestServer(t, sessions, &MockFilings{}, &MockCache{}, config.Config{})
		defer server.Close()

		resp, err := http.Get(server.URL + "/sessions/missing/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("observe error", func(t *testing.T) {
		sessions := &MockSessions{}
		sessions.On("Observe", mock.Anything, "session-1").Return(nil, errors.New("boom")).Once()

		server := newTestServer(t, sessions, &MockFilings{}, &MockCache{}, config.Config{})
		defer server.Close()

		resp, err := http.Get(server.URL + "/sessions/session-1/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}
