package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configFor(t *testing.T, srv *httptest.Server) *database.DriverConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &database.DriverConfig{Family: database.FamilyInfluxDB, Host: u.Hostname(), Port: port, Timeout: 2 * time.Second}
}

func TestClient_AuthModes(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Auth", r.Header.Get("Authorization"))
		w.Header().Set("X-U", r.URL.Query().Get("u"))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	cfg := configFor(t, srv)
	cfg.Token = "secret"
	resp, err := New(cfg).Get(context.Background(), "/echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "Token secret", resp.Header().Get("X-Auth"))

	resp, err = New(cfg, WithAuth(AuthBearer)).Get(context.Background(), "/echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", resp.Header().Get("X-Auth"))

	cfg.Token = ""
	cfg.Username, cfg.Password = "admin", "pw"
	resp, err = New(cfg, WithAuth(AuthQuery)).Get(context.Background(), "/echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "admin", resp.Header().Get("X-U"))
	assert.Empty(t, resp.Header().Get("X-Auth"))

	resp, err = New(cfg).Get(context.Background(), "/echo", "ping")
	require.NoError(t, err)
	assert.Contains(t, resp.Header().Get("X-Auth"), "Basic ")
}

func TestClient_StatusMapping(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, _ := strconv.Atoi(chi.URLParam(r, "code"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":"database not found: nope"}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()
	c := New(configFor(t, srv))

	tests := []struct {
		code int
		kind errs.ErrKind
	}{
		{http.StatusBadRequest, errs.ErrKindQuery},
		{http.StatusUnauthorized, errs.ErrKindAuthentication},
		{http.StatusForbidden, errs.ErrKindAuthentication},
		{http.StatusNotFound, errs.ErrKindNotFound},
		{http.StatusGatewayTimeout, errs.ErrKindTimeout},
		{http.StatusInternalServerError, errs.ErrKindConnection},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			_, err := c.Get(context.Background(), "/status/"+strconv.Itoa(tt.code), "query")
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			assert.Contains(t, err.Error(), "database not found: nope")
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := configFor(t, srv)
	srv.Close()

	_, err := New(cfg).Get(context.Background(), "/ping", "detect")
	require.Error(t, err)
	assert.True(t, errs.IsConnection(err))
}

func TestClient_ContextTimeout(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(configFor(t, srv)).Get(ctx, "/slow", "query")
	assert.True(t, errs.IsTimeout(err))
}

func TestClient_ContextOutlivesConfigTimeout(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	cfg := configFor(t, srv)
	cfg.Timeout = 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := New(cfg).Get(ctx, "/slow", "query")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())
}

func TestServerMessage(t *testing.T) {
	assert.Equal(t, "bad", ServerMessage([]byte(`{"code":"invalid","message":"bad"}`)))
	assert.Equal(t, "plain text", ServerMessage([]byte(" plain text\n")))
}
