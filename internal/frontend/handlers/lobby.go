// Package handlers runs the per-connection lobby protocol.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/auth"
	"github.com/cory-johannsen/lobby/internal/frontend/websocket"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/storage/presence"
)

// TicketHeader is the upgrade request header carrying the Steam session ticket.
const TicketHeader = "x-steam-token"

// WelcomeMessage is sent in every ConnectionEstablished.
const WelcomeMessage = "Hey, welcome mate!"

// presenceTimeout bounds each presence write.
const presenceTimeout = 2 * time.Second

// SessionState is the lifecycle stage of one connection.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateEstablished
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Authenticator turns a session ticket into a verified identity.
type Authenticator interface {
	Authenticate(ctx context.Context, ticket string) (auth.Identity, error)
}

// Matcher queues a registered client for matchmaking.
type Matcher interface {
	TryMatch(ctx context.Context, self lobby.Member) error
}

// LobbyHandler implements websocket.SessionHandler.
type LobbyHandler struct {
	auth     Authenticator
	registry *lobby.Registry
	matcher  Matcher
	presence presence.Tracker
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewLobbyHandler creates a LobbyHandler. A nil tracker disables presence; nil metrics record nothing.
//
// Precondition: authenticator, registry, matcher, and logger must be non-nil.
// Postcondition: Returns a LobbyHandler ready to handle sessions.
func NewLobbyHandler(
	authenticator Authenticator,
	registry *lobby.Registry,
	matcher Matcher,
	tracker presence.Tracker,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *LobbyHandler {
	if tracker == nil {
		tracker = presence.NopTracker{}
	}
	return &LobbyHandler{
		auth:     authenticator,
		registry: registry,
		matcher:  matcher,
		presence: tracker,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleSession authenticates the connection, registers it, and serves client
// messages until the connection closes. A rejected connection is closed with a
// normal close frame whose reason is the encoded ConnectionError.
//
// Postcondition: The connection is absent from the registry when this returns.
func (h *LobbyHandler) HandleSession(ctx context.Context, conn *websocket.Conn) error {
	start := time.Now()
	logger := h.logger.With(zap.String("conn_id", conn.ID()))
	state := StateConnecting

	transition := func(next SessionState) {
		logger.Debug("session state", zap.Stringer("from", state), zap.Stringer("to", next))
		state = next
	}
	defer transition(StateClosed)

	transition(StateAuthenticating)
	identity, err := h.auth.Authenticate(ctx, conn.Header(TicketHeader))
	if err != nil {
		reason := auth.Reason(err)
		logger.Info("connection rejected", zap.String("reason", reason), zap.Error(err))
		h.metrics.AuthFailed(reason)
		_ = conn.Close(websocket.CloseNormal, string(protocol.MustEncode(protocol.ConnectionErrorMessage{Reason: reason})))
		return nil
	}

	logger = logger.With(zap.String("player", identity.ExternalID))
	if err := h.registry.Add(conn.ID(), conn, identity); err != nil {
		logger.Error("registering connection", zap.Error(err))
		return err
	}
	defer h.registry.Remove(conn.ID())
	h.metrics.ConnectionAccepted(observability.ResultEstablished)

	stopRefresh := h.markOnline(ctx, logger, identity.ExternalID, conn.ID())
	defer h.markOffline(ctx, logger, identity.ExternalID, conn.ID())
	defer stopRefresh()

	transition(StateEstablished)
	logger.Info("client established",
		zap.String("username", identity.DisplayName),
		zap.Duration("auth_duration", time.Since(start)),
	)
	if err := conn.Send(protocol.ConnectionEstablishedMessage{
		Username:       identity.DisplayName,
		WelcomeMessage: WelcomeMessage,
	}); err != nil {
		return fmt.Errorf("sending welcome: %w", err)
	}

	self := lobby.Member{
		ConnID: conn.ID(),
		Peer:   conn,
		State:  lobby.ClientState{Identity: identity},
	}
	return h.serve(ctx, logger, conn, self)
}

func (h *LobbyHandler) serve(ctx context.Context, logger *zap.Logger, conn *websocket.Conn, self lobby.Member) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsNormalClose(err) {
				logger.Info("client disconnected")
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			h.metrics.MalformedMessage()
			logger.Warn("dropping malformed message", zap.ByteString("data", data), zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case protocol.StartMatchMakingMessage:
			if err := conn.Send(protocol.MatchmakingStartedMessage{}); err != nil {
				return fmt.Errorf("acknowledging matchmaking: %w", err)
			}
			if err := h.matcher.TryMatch(ctx, self); err != nil {
				logger.Error("matchmaking", zap.Error(err))
			}
		case protocol.UnknownClientMessage:
			logger.Debug("ignoring unknown message type", zap.Int("type", int(m.Type)))
		}
	}
}

// markOnline publishes presence and keeps it fresh until the returned stop
// function is called. stop waits for the refresher to exit. A player already
// online elsewhere is logged; the new connection takes the claim over.
func (h *LobbyHandler) markOnline(ctx context.Context, logger *zap.Logger, externalID, connID string) (stop func()) {
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if node, online, err := h.presence.Lookup(pctx, externalID); err != nil {
		logger.Warn("looking up presence", zap.Error(err))
	} else if online {
		logger.Info("player already connected", zap.String("node", node))
	}
	if err := h.presence.Online(pctx, externalID, connID); err != nil {
		logger.Warn("marking online", zap.Error(err))
	}

	interval := h.presence.Interval()
	if interval <= 0 {
		return func() {}
	}

	rctx, rcancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				tctx, cancel := context.WithTimeout(rctx, presenceTimeout)
				if err := h.presence.Refresh(tctx, externalID, connID); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("refreshing presence", zap.Error(err))
				}
				cancel()
			}
		}
	}()
	return func() {
		rcancel()
		<-done
	}
}

func (h *LobbyHandler) markOffline(ctx context.Context, logger *zap.Logger, externalID, connID string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	if err := h.presence.Offline(pctx, externalID, connID); err != nil {
		logger.Warn("marking offline", zap.Error(err))
	}
}
