package ctrader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer is an OAuth2 token endpoint handing out a fixed token pair
type tokenServer struct {
	*httptest.Server
	calls atomic.Int32

	mu   sync.Mutex
	form url.Values
}

func (ts *tokenServer) lastForm() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.form
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		ts.mu.Lock()
		ts.form = r.PostForm
		ts.mu.Unlock()
		ts.calls.Add(1)

		if r.PostForm.Get("refresh_token") == "revoked" || r.PostForm.Get("code") == "bad-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"token_type":    "bearer",
			"expires_in":    2628000,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestAuthClient(t *testing.T, cfg *Config) (*AuthClient, *FileTokenStorage, *tokenServer) {
	t.Helper()
	storage, err := NewTokenStorage(t.TempDir())
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()

	if cfg.Environment == "" {
		cfg.Environment = EnvironmentDemo
	}
	cfg.ClientID = "client-id"
	cfg.ClientSecret = "client-secret"

	server := newTokenServer(t)
	client := NewAuthClient(cfg, storage, logger)
	client.SetTokenURL(server.URL)
	return client, storage, server
}

func TestAuthClient_SeededTokenUsedWithoutRefresh(t *testing.T) {
	client, _, server := newTestAuthClient(t, &Config{AccessToken: "seed-access"})

	token, err := client.AccessToken(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "seed-access", token)
	assert.Zero(t, server.calls.Load())
}

func TestAuthClient_NoToken(t *testing.T) {
	client, _, _ := newTestAuthClient(t, &Config{})

	_, err := client.AccessToken(context.Background())

	assert.ErrorIs(t, err, ErrNoToken)
}

func TestAuthClient_RefreshStoresNewPair(t *testing.T) {
	client, storage, server := newTestAuthClient(t, &Config{RefreshToken: "seed-refresh"})

	token, err := client.AccessToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "fresh-access", token)
	assert.EqualValues(t, 1, server.calls.Load())
	assert.Equal(t, "refresh_token", server.lastForm().Get("grant_type"))
	assert.Equal(t, "seed-refresh", server.lastForm().Get("refresh_token"))
	assert.Equal(t, "client-id", server.lastForm().Get("client_id"))
	assert.Equal(t, "client-secret", server.lastForm().Get("client_secret"))

	stored, err := storage.LoadToken("ctrader_demo_token.json")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", stored.AccessToken)
	assert.Equal(t, "fresh-refresh", stored.RefreshToken)
	assert.Equal(t, EnvironmentDemo, stored.Environment)
	assert.True(t, stored.Expiry.After(time.Now()))

	// cached now; no second round trip
	_, err = client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, server.calls.Load())
}

func TestAuthClient_ExpiringStoredTokenIsRefreshed(t *testing.T) {
	client, storage, server := newTestAuthClient(t, &Config{})
	require.NoError(t, storage.SaveToken("ctrader_demo_token.json", &TokenInfo{
		AccessToken:  "stale-access",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(time.Minute),
		Environment:  EnvironmentDemo,
	}))

	token, err := client.AccessToken(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, "stored-refresh", server.lastForm().Get("refresh_token"))
}

func TestAuthClient_ValidStoredTokenIsReused(t *testing.T) {
	client, storage, server := newTestAuthClient(t, &Config{})
	require.NoError(t, storage.SaveToken("ctrader_demo_token.json", &TokenInfo{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}))

	token, err := client.AccessToken(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "stored-access", token)
	assert.Zero(t, server.calls.Load())
}

func TestAuthClient_RefreshFailure(t *testing.T) {
	client, _, _ := newTestAuthClient(t, &Config{RefreshToken: "revoked"})

	_, err := client.AccessToken(context.Background())

	assert.Error(t, err)
}

func TestAuthClient_RefreshWithoutRefreshToken(t *testing.T) {
	client, _, server := newTestAuthClient(t, &Config{AccessToken: "seed-access"})

	err := client.RefreshToken(context.Background())

	assert.Error(t, err)
	assert.Zero(t, server.calls.Load())
}

func TestAuthClient_ExchangeCodeForToken(t *testing.T) {
	client, storage, server := newTestAuthClient(t, &Config{Environment: EnvironmentLive})

	require.NoError(t, client.ExchangeCodeForToken(context.Background(), "auth-code"))
	assert.Equal(t, "authorization_code", server.lastForm().Get("grant_type"))
	assert.Equal(t, "auth-code", server.lastForm().Get("code"))

	stored, err := storage.LoadToken("ctrader_live_token.json")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", stored.AccessToken)

	assert.Error(t, client.ExchangeCodeForToken(context.Background(), "bad-code"))
}

func TestAuthClient_Logout(t *testing.T) {
	client, storage, _ := newTestAuthClient(t, &Config{RefreshToken: "seed-refresh"})
	_, err := client.AccessToken(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Logout())

	_, err = storage.LoadToken("ctrader_demo_token.json")
	assert.Error(t, err)
}

func TestAuthClient_GenerateAuthURL(t *testing.T) {
	client, _, _ := newTestAuthClient(t, &Config{RedirectURL: "http://localhost:8080/callback"})

	raw := client.GenerateAuthURL("state-123")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)

	q := parsed.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "trading", q.Get("scope"))
	assert.Equal(t, "http://localhost:8080/callback", q.Get("redirect_uri"))
}

func TestAuthClient_ImplementsTokenProvider(t *testing.T) {
	var _ TokenProvider = (*AuthClient)(nil)
}
