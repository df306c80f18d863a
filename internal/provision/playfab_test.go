package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/lobby/internal/config"
)

// fakePlayFab serves the two endpoints the client uses.
type fakePlayFab struct {
	tokenCalls   atomic.Int32
	requestCalls atomic.Int32
	expiry       time.Time
	status       int
	ports        []Port
	// tokens are handed out in order; the last one repeats. Empty means "entity-tok".
	tokens []string
	// accept, when set, is the only token RequestMultiplayerServer honours.
	accept string

	mu       sync.Mutex
	lastBody requestServerBody
}

func (f *fakePlayFab) body() requestServerBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

func (f *fakePlayFab) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/Authentication/GetEntityToken", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.tokenCalls.Add(1))
		assert.Equal(t, "secret", r.Header.Get("X-SecretKey"))
		token := "entity-tok"
		if len(f.tokens) > 0 {
			token = f.tokens[min(n, len(f.tokens))-1]
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 200, "status": "OK",
			"data": map[string]any{"EntityToken": token, "TokenExpiration": f.expiry},
		})
	})
	mux.HandleFunc("/MultiplayerServer/RequestMultiplayerServer", func(w http.ResponseWriter, r *http.Request) {
		f.requestCalls.Add(1)
		if f.accept != "" && r.Header.Get("X-EntityToken") != f.accept {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"code": 401, "status": "Unauthorized",
				"error": "NotAuthorized", "errorMessage": "entity token rejected",
			})
			return
		}
		if f.accept == "" {
			assert.Equal(t, "entity-tok", r.Header.Get("X-EntityToken"))
		}
		var body requestServerBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.lastBody = body
		f.mu.Unlock()
		if f.status != 0 && f.status != http.StatusOK {
			writeJSON(w, f.status, map[string]any{
				"code": f.status, "status": "Error",
				"error": "MultiplayerServerTooManyRequests", "errorMessage": "slow down",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 200, "status": "OK",
			"data": map[string]any{
				"SessionId": body.SessionID,
				"FQDN":      "eastus.gs.example.net",
				"Ports":     f.ports,
			},
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T, f *fakePlayFab) *PlayFabClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewPlayFabClient(config.PlayFabConfig{
		TitleID:   "ABCD",
		SecretKey: "secret",
		BuildID:   "build-1",
		BaseURL:   srv.URL,
	}, srv.Client())
}

func request() AllocationRequest {
	return AllocationRequest{
		BuildID:          "build-1",
		PreferredRegions: []string{"EastUs"},
		SessionID:        "3f1b7c9e-0000-4000-8000-000000000001",
		InitialPlayers:   []string{"7656a", "7656b"},
	}
}

func TestRequestServer(t *testing.T) {
	f := &fakePlayFab{
		expiry: time.Now().Add(time.Hour),
		ports:  []Port{{Name: "metrics", Num: 9000, Protocol: "TCP"}, {Name: "gameport", Num: 30000, Protocol: "UDP"}},
	}
	c := newClient(t, f)

	alloc, err := c.RequestServer(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "eastus.gs.example.net", alloc.FQDN)

	port, err := alloc.GamePort()
	require.NoError(t, err)
	assert.Equal(t, 30000, port)

	body := f.body()
	assert.Equal(t, "build-1", body.BuildID)
	assert.Equal(t, []string{"EastUs"}, body.PreferredRegions)
	assert.Equal(t, []string{"7656a", "7656b"}, body.InitialPlayers)
}

func TestRequestServer_CachesEntityToken(t *testing.T) {
	f := &fakePlayFab{expiry: time.Now().Add(time.Hour), ports: []Port{{Name: GamePortName, Num: 1}}}
	c := newClient(t, f)

	for i := 0; i < 3; i++ {
		_, err := c.RequestServer(context.Background(), request())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(3), f.requestCalls.Load())
}

func TestRequestServer_RefreshesExpiringToken(t *testing.T) {
	f := &fakePlayFab{expiry: time.Now().Add(30 * time.Second), ports: []Port{{Name: GamePortName, Num: 1}}}
	c := newClient(t, f)

	for i := 0; i < 2; i++ {
		_, err := c.RequestServer(context.Background(), request())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), f.tokenCalls.Load(), "token inside the refresh margin is replaced")
}

func TestRequestServer_ErrorStatusNoRetry(t *testing.T) {
	f := &fakePlayFab{expiry: time.Now().Add(time.Hour), status: http.StatusTooManyRequests}
	c := newClient(t, f)

	_, err := c.RequestServer(context.Background(), request())
	require.ErrorIs(t, err, ErrProvisionFailed)
	assert.Contains(t, err.Error(), "slow down")
	assert.Equal(t, int32(1), f.requestCalls.Load())
}

func TestRequestServer_RejectedTokenIsReplaced(t *testing.T) {
	f := &fakePlayFab{
		expiry: time.Now().Add(24 * time.Hour),
		tokens: []string{"revoked", "fresh"},
		accept: "fresh",
		ports:  []Port{{Name: GamePortName, Num: 30000}},
	}
	c := newClient(t, f)

	_, err := c.RequestServer(context.Background(), request())
	require.ErrorIs(t, err, ErrProvisionFailed)
	assert.Contains(t, err.Error(), "NotAuthorized")
	assert.Equal(t, int32(1), f.requestCalls.Load(), "the failing call is not retried")

	for i := 0; i < 3; i++ {
		_, err := c.RequestServer(context.Background(), request())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), f.tokenCalls.Load(), "one refetch after the rejection, then cached")
}

func TestRequestServer_ServerErrorKeepsToken(t *testing.T) {
	f := &fakePlayFab{expiry: time.Now().Add(time.Hour), status: http.StatusServiceUnavailable}
	c := newClient(t, f)

	for i := 0; i < 2; i++ {
		_, err := c.RequestServer(context.Background(), request())
		require.ErrorIs(t, err, ErrProvisionFailed)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestRequestServer_Unreachable(t *testing.T) {
	c := NewPlayFabClient(config.PlayFabConfig{SecretKey: "s", BaseURL: "http://127.0.0.1:1"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.RequestServer(ctx, request())
	assert.ErrorIs(t, err, ErrProvisionFailed)
}

func TestAllocation_GamePortMissing(t *testing.T) {
	_, err := Allocation{FQDN: "x", Ports: []Port{{Name: "query", Num: 27015}}}.GamePort()
	assert.ErrorIs(t, err, ErrNoGamePort)
}
