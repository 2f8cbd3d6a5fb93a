package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
	"github.com/tourney-link/internal/faq"
	"github.com/tourney-link/internal/resolver"
	"github.com/tourney-link/internal/store"
	"github.com/tourney-link/internal/tetrio"
	"github.com/tourney-link/internal/websocket"
)

// stubAPI serves a fixed set of players.
type stubAPI struct {
	players map[string]tetrio.Player
}

func (s *stubAPI) FetchByUsername(_ context.Context, name string) (*tetrio.Player, error) {
	p, ok := s.players[domain.NormalizeUsername(name)]
	if !ok {
		return nil, tetrio.ErrNotFound
	}
	return &p, nil
}

func (s *stubAPI) FetchByAccountID(_ context.Context, id string) (*tetrio.Player, error) {
	for _, p := range s.players {
		if p.AccountID == id {
			return &p, nil
		}
	}
	return nil, tetrio.ErrNotFound
}

func (s *stubAPI) FetchLeaderboard(_ context.Context) ([]tetrio.Player, error) {
	players := make([]tetrio.Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}
	return players, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()

	api := &stubAPI{players: map[string]tetrio.Player{
		"wumbo": {
			AccountID: "acct-1",
			Username:  "Wumbo",
			Stats: domain.StatsSnapshot{
				Rating:    23001.5,
				Rank:      domain.RankSS,
				FetchedAt: time.Now().UTC(),
			},
		},
	}}

	logger := slog.Default()
	st := store.NewMemory()
	res := resolver.New(api, st, nil, 2, logger)
	hub := websocket.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	h := NewHandler(res, nil, faq.Default(), hub, config.DefaultConfig(), logger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func decode(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var out APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestLinkEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	t.Run("creates a link", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/v1/players/link", LinkRequest{
			ChatIdentity: "chat-1",
			Username:     "wumbo",
		})
		out := decode(t, resp)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.True(t, out.Success)

		stored, err := st.GetByChatIdentity(context.Background(), "chat-1")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", stored.GameAccountID)
	})

	t.Run("refresh of an existing link returns 200", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/v1/players/link", LinkRequest{
			ChatIdentity: "chat-1",
			Username:     "wumbo",
		})
		decode(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unknown player", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/v1/players/link", LinkRequest{
			ChatIdentity: "chat-2",
			Username:     "nobody",
		})
		out := decode(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.False(t, out.Success)
		assert.NotEmpty(t, out.Error)
	})

	t.Run("missing fields", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/v1/players/link", LinkRequest{Username: "wumbo"})
		decode(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/v1/players/link", "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		decode(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestWhoisEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/players/link", LinkRequest{
		ChatIdentity: "chat-1",
		Username:     "wumbo",
	})
	decode(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	t.Run("by chat identity", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/players/whois?q=chat-1")
		require.NoError(t, err)
		out := decode(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, out.Success)
	})

	t.Run("by game username", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/players/whois?q=WUMBO&max_age=5m")
		require.NoError(t, err)
		out := decode(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, out.Success)
	})

	t.Run("missing query", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/players/whois")
		require.NoError(t, err)
		decode(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad max_age", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/players/whois?q=chat-1&max_age=banana")
		require.NoError(t, err)
		decode(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown player", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/players/whois?q=ghost")
		require.NoError(t, err)
		decode(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestUnlinkEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/players/link", LinkRequest{
		ChatIdentity: "chat-1",
		Username:     "wumbo",
	})
	decode(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/players/chat-1/link", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	decode(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := st.GetByChatIdentity(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.False(t, rec.Linked())

	// A second unlink finds nothing to release.
	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/players/ghost/link", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	decode(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefreshEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/players/refresh?max_age=1m", nil)
	out := decode(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)

	resp = postJSON(t, srv.URL+"/api/v1/players/refresh?max_age=oops", nil)
	decode(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFAQEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("list keys", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/faq/")
		require.NoError(t, err)
		out := decode(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, out.Success)
	})

	t.Run("lookup by alias", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/faq/versus")
		require.NoError(t, err)
		out := decode(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, out.Success)
	})

	t.Run("unknown key", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/faq/ghost")
		require.NoError(t, err)
		decode(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/ready", "/api/v1/ws/stats"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		out := decode(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.True(t, out.Success, path)
	}
}
