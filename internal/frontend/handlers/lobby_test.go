package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobby/internal/auth"
	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/frontend/websocket"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/matchmaking"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/provision"
	"github.com/cory-johannsen/lobby/internal/testutil"
)

const wait = 2 * time.Second

type steamUser struct {
	steamID   string
	name      string
	vac       bool
	publisher bool
}

// fakeSteam answers AuthenticateUserTicket and GetPlayerSummaries for a fixed set of tickets.
func fakeSteam(t *testing.T, users map[string]steamUser) config.SteamConfig {
	t.Helper()
	byID := make(map[string]steamUser)
	for _, u := range users {
		byID[u.steamID] = u
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		u, ok := users[r.URL.Query().Get("ticket")]
		if !ok {
			_, _ = w.Write([]byte(`{"response":{"error":{"errorcode":101,"errordesc":"Invalid ticket"}}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{"params": map[string]any{
			"result": "OK", "steamid": u.steamID, "vacbanned": u.vac, "publisherbanned": u.publisher,
		}}})
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		u := byID[r.URL.Query().Get("steamids")]
		_ = json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{"players": []map[string]any{
			{"steamid": u.steamID, "personaname": u.name, "avatar": "https://avatars.example/" + u.steamID},
		}}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return config.SteamConfig{AppID: "480", PrivateKey: "k", AuthURL: srv.URL + "/auth", ProfileURL: srv.URL + "/profile"}
}

// fakePlayFab allocates eastus.gs.example.net:30000, or fails every request when fail is set.
func fakePlayFab(t *testing.T, fail bool) config.PlayFabConfig {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Authentication/GetEntityToken", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": map[string]any{
			"EntityToken": "tok", "TokenExpiration": time.Now().Add(time.Hour),
		}})
	})
	mux.HandleFunc("/MultiplayerServer/RequestMultiplayerServer", func(w http.ResponseWriter, _ *http.Request) {
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":503,"error":"ServiceUnavailable","errorMessage":"no capacity"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": map[string]any{
			"FQDN":  "eastus.gs.example.net",
			"Ports": []map[string]any{{"Name": "gameport", "Num": 30000, "Protocol": "UDP"}},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return config.PlayFabConfig{TitleID: "T", SecretKey: "s", BuildID: "b", PreferredRegions: []string{"EastUs"}, BaseURL: srv.URL}
}

// fakeTracker records presence calls. online maps a player to the owning connection.
type fakeTracker struct {
	mu     sync.Mutex
	online map[string]string
	events []string
}

func (f *fakeTracker) Online(_ context.Context, id, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[id] = connID
	f.events = append(f.events, "online:"+id)
	return nil
}

func (f *fakeTracker) Refresh(context.Context, string, string) error { return nil }

func (f *fakeTracker) Offline(_ context.Context, id, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online[id] == connID {
		delete(f.online, id)
	}
	f.events = append(f.events, "offline:"+id)
	return nil
}

func (f *fakeTracker) Lookup(_ context.Context, id string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.online[id]
	if ok {
		f.events = append(f.events, "seen:"+id)
	}
	return "lobby-test", ok, nil
}

func (f *fakeTracker) Interval() time.Duration { return 0 }

func (f *fakeTracker) isOnline(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.online[id]
	return ok
}

func (f *fakeTracker) saw(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

type harness struct {
	acc      *websocket.Acceptor
	registry *lobby.Registry
	tracker  *fakeTracker
	url      string
}

var players = map[string]steamUser{
	"ticket-a":   {steamID: "76561198000000001", name: "alice"},
	"ticket-b":   {steamID: "76561198000000002", name: "bob"},
	"ticket-c":   {steamID: "76561198000000003", name: "carol"},
	"ticket-vac": {steamID: "76561198000000004", name: "cheater", vac: true},
	"ticket-pub": {steamID: "76561198000000005", name: "banned", publisher: true},
}

func newHarness(t *testing.T, provisionFails bool) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry := lobby.NewRegistry()
	metrics := observability.NewMetrics(registry)
	gateway := auth.NewGateway(auth.NewSteamProvider(fakeSteam(t, players), nil), time.Second, logger)
	pf := fakePlayFab(t, provisionFails)
	engine := matchmaking.NewEngine(registry, provision.NewPlayFabClient(pf, nil), nil, metrics, matchmaking.Options{
		BuildID:          pf.BuildID,
		PreferredRegions: pf.PreferredRegions,
		Timeout:          time.Second,
	}, logger)
	tracker := &fakeTracker{online: make(map[string]string)}
	handler := NewLobbyHandler(gateway, registry, engine, tracker, metrics, logger)

	acc := websocket.NewAcceptor(config.ServerConfig{
		Host:         "127.0.0.1",
		Path:         "/lobby",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: 4 * time.Second,
	}, handler, logger)
	go func() { _ = acc.ListenAndServe() }()
	require.Eventually(t, func() bool { return acc.IsRunning() && acc.Addr() != "" }, wait, 10*time.Millisecond)
	t.Cleanup(acc.Stop)

	return &harness{acc: acc, registry: registry, tracker: tracker, url: "ws://" + acc.Addr() + "/lobby"}
}

// join dials with ticket and consumes ConnectionEstablished.
func (h *harness) join(t *testing.T, ticket string) *testutil.LobbyClient {
	t.Helper()
	c := testutil.DialLobby(t, h.url, ticket)
	msg := c.Expect(wait)
	require.Equal(t, protocol.ConnectionEstablishedMessage{
		Username:       players[ticket].name,
		WelcomeMessage: WelcomeMessage,
	}, msg)
	return c
}

func expectRejected(t *testing.T, c *testutil.LobbyClient, reason string) {
	t.Helper()
	code, text := c.ExpectClose(wait)
	assert.Equal(t, websocket.CloseNormal, code)
	msg, err := protocol.DecodeServer([]byte(text))
	require.NoError(t, err, "close reason must be an encoded envelope: %q", text)
	assert.Equal(t, protocol.ConnectionErrorMessage{Reason: reason}, msg)
}

func TestHandleSession_MissingTicket(t *testing.T) {
	h := newHarness(t, false)
	expectRejected(t, testutil.DialLobby(t, h.url, ""), "MissingTicket")
	assert.Equal(t, 0, h.registry.Len())
}

func TestHandleSession_InvalidTicket(t *testing.T) {
	h := newHarness(t, false)
	expectRejected(t, testutil.DialLobby(t, h.url, "forged"), "InvalidTicket")
	assert.Equal(t, 0, h.registry.Len())
}

func TestHandleSession_Banned(t *testing.T) {
	h := newHarness(t, false)
	for _, ticket := range []string{"ticket-vac", "ticket-pub"} {
		expectRejected(t, testutil.DialLobby(t, h.url, ticket), "Banned")
	}
	assert.Equal(t, 0, h.registry.Len())
	assert.False(t, h.tracker.isOnline(players["ticket-vac"].steamID))
}

func TestHandleSession_EstablishedAndRemovedOnClose(t *testing.T) {
	h := newHarness(t, false)
	c := h.join(t, "ticket-a")

	assert.Equal(t, 1, h.registry.Len())
	assert.True(t, h.tracker.isOnline(players["ticket-a"].steamID))

	c.Close()
	assert.Eventually(t, func() bool { return h.registry.Len() == 0 }, wait, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !h.tracker.isOnline(players["ticket-a"].steamID) }, wait, 10*time.Millisecond)
}

func TestHandleSession_PairMatched(t *testing.T) {
	h := newHarness(t, false)
	a := h.join(t, "ticket-a")
	b := h.join(t, "ticket-b")

	a.Send(protocol.StartMatchMakingMessage{})
	assert.Equal(t, protocol.MatchmakingStartedMessage{}, a.Expect(wait))
	require.Eventually(t, func() bool { return h.registry.WaitingCount() == 1 }, wait, 10*time.Millisecond)

	b.Send(protocol.StartMatchMakingMessage{})
	assert.Equal(t, protocol.MatchmakingStartedMessage{}, b.Expect(wait))

	want := protocol.MatchFoundMessage{ServerUrl: "eastus.gs.example.net", ServerPort: 30000}
	assert.Equal(t, want, a.Expect(wait))
	assert.Equal(t, want, b.Expect(wait))
	assert.Equal(t, 0, h.registry.WaitingCount())
	assert.Equal(t, 2, h.registry.Len(), "matched clients stay connected")
}

func TestHandleSession_LoneClientWaits(t *testing.T) {
	h := newHarness(t, false)
	a := h.join(t, "ticket-a")
	h.join(t, "ticket-b")

	a.Send(protocol.StartMatchMakingMessage{})
	assert.Equal(t, protocol.MatchmakingStartedMessage{}, a.Expect(wait))
	a.ExpectNothing(300 * time.Millisecond)
	assert.Equal(t, 1, h.registry.WaitingCount())
}

func TestHandleSession_WaitingClientLeaves(t *testing.T) {
	h := newHarness(t, false)
	a := h.join(t, "ticket-a")
	b := h.join(t, "ticket-b")

	a.Send(protocol.StartMatchMakingMessage{})
	a.Expect(wait)
	a.Close()
	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, wait, 10*time.Millisecond)

	b.Send(protocol.StartMatchMakingMessage{})
	assert.Equal(t, protocol.MatchmakingStartedMessage{}, b.Expect(wait))
	b.ExpectNothing(300 * time.Millisecond)
}

func TestHandleSession_MalformedAndUnknownIgnored(t *testing.T) {
	h := newHarness(t, false)
	a := h.join(t, "ticket-a")

	a.SendRaw([]byte(`not json`))
	a.SendRaw([]byte(`{"MessageContent":{}}`))
	a.SendRaw([]byte(`{"MessageType":"1"}`))
	a.SendRaw([]byte(`{"MessageType":99,"MessageContent":{"x":1}}`))
	a.Send(protocol.StartMatchMakingMessage{})

	assert.Equal(t, protocol.MatchmakingStartedMessage{}, a.Expect(wait), "session survives bad frames")
	assert.Equal(t, 1, h.registry.Len())
}

func TestHandleSession_BadFramesLeaveWaitingStateUnchanged(t *testing.T) {
	h := newHarness(t, false)
	a := h.join(t, "ticket-a")

	a.Send(protocol.StartMatchMakingMessage{})
	assert.Equal(t, protocol.MatchmakingStartedMessage{}, a.Expect(wait))
	require.Eventually(t, func() bool { return h.registry.WaitingCount() == 1 }, wait, 10*time.Millisecond)

	a.SendRaw([]byte(`{"MessageType":"1"}`))
	a.SendRaw([]byte(`not json`))
	a.SendRaw([]byte(`{"MessageType":99}`))
	a.ExpectNothing(300 * time.Millisecond)

	assert.Equal(t, 1, h.registry.Len())
	assert.Equal(t, 1, h.registry.WaitingCount(), "still waiting after bad frames")
}

func TestHandleSession_SecondConnectionKeepsPresence(t *testing.T) {
	h := newHarness(t, false)
	steamID := players["ticket-a"].steamID
	first := h.join(t, "ticket-a")
	second := h.join(t, "ticket-a")

	assert.True(t, h.tracker.saw("seen:"+steamID), "second connection sees the first")

	first.Close()
	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, wait, 10*time.Millisecond)
	assert.True(t, h.tracker.isOnline(steamID), "closing the older connection keeps the newer claim")

	second.Close()
	assert.Eventually(t, func() bool { return !h.tracker.isOnline(steamID) }, wait, 10*time.Millisecond)
}

func TestHandleSession_ProvisionFailureKeepsClients(t *testing.T) {
	h := newHarness(t, true)
	a := h.join(t, "ticket-a")
	b := h.join(t, "ticket-b")

	a.Send(protocol.StartMatchMakingMessage{})
	a.Expect(wait)
	require.Eventually(t, func() bool { return h.registry.WaitingCount() == 1 }, wait, 10*time.Millisecond)
	b.Send(protocol.StartMatchMakingMessage{})
	b.Expect(wait)

	a.ExpectNothing(300 * time.Millisecond)
	assert.Equal(t, 2, h.registry.Len())
	assert.Equal(t, 0, h.registry.WaitingCount(), "failed pair is not re-queued")
}

func TestHandleSession_ShutdownClosesGoingAway(t *testing.T) {
	h := newHarness(t, false)
	a := h.join(t, "ticket-a")
	b := h.join(t, "ticket-b")

	go h.acc.Stop()
	for _, c := range []*testutil.LobbyClient{a, b} {
		code, _ := c.ExpectClose(wait)
		assert.Equal(t, websocket.CloseGoingAway, code)
	}
	assert.Eventually(t, func() bool { return h.registry.Len() == 0 }, wait, 10*time.Millisecond)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "established", StateEstablished.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "SessionState(9)", SessionState(9).String())
}
