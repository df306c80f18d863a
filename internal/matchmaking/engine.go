// Package matchmaking pairs waiting lobby clients and provisions a game server for each pair.
package matchmaking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/provision"
)

// Match statuses stored by a MatchRecorder.
const (
	StatusAllocated = "allocated"
	StatusFailed    = "failed"
)

// MatchRecord is one matchmaking outcome.
type MatchRecord struct {
	SessionID  string
	PlayerA    string
	PlayerB    string
	ServerFQDN string
	ServerPort int
	Status     string
	Failure    string
}

// MatchRecorder persists matchmaking outcomes.
type MatchRecorder interface {
	Record(ctx context.Context, rec MatchRecord) error
}

// NopRecorder discards every record.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(context.Context, MatchRecord) error { return nil }

// Options configures the provisioning request sent for each match.
type Options struct {
	BuildID          string
	PreferredRegions []string
	// Timeout bounds one provisioning call. Zero means no bound beyond the caller's context.
	Timeout time.Duration
}

// Engine pairs waiting clients and provisions a server for each pair.
type Engine struct {
	registry    *lobby.Registry
	provisioner provision.Provisioner
	recorder    MatchRecorder
	metrics     *observability.Metrics
	opts        Options
	logger      *zap.Logger
}

// NewEngine creates an Engine. A nil recorder discards records; nil metrics record nothing.
//
// Precondition: registry, provisioner, and logger must be non-nil.
func NewEngine(registry *lobby.Registry, provisioner provision.Provisioner, recorder MatchRecorder, metrics *observability.Metrics, opts Options, logger *zap.Logger) *Engine {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Engine{
		registry:    registry,
		provisioner: provisioner,
		recorder:    recorder,
		metrics:     metrics,
		opts:        opts,
		logger:      logger,
	}
}

// TryMatch flags self as waiting and attempts to claim a partner. With no
// partner available self keeps waiting and a later seeker may claim it.
// Provisioning failures are logged and recorded; the pair is not re-queued.
//
// Precondition: self.ConnID must be registered and self.Peer non-nil.
// Postcondition: Returns an error only when self is not registered.
func (e *Engine) TryMatch(ctx context.Context, self lobby.Member) error {
	if err := e.registry.SetMatchmaking(self.ConnID, true); err != nil {
		return fmt.Errorf("flagging %s for matchmaking: %w", self.ConnID, err)
	}

	partner, ok := e.registry.FindAndClaimPartner(self.ConnID)
	if !ok {
		e.logger.Debug("waiting for partner",
			zap.String("conn_id", self.ConnID),
			zap.String("player", self.State.Identity.ExternalID),
		)
		return nil
	}

	e.provisionPair(ctx, self, partner)
	return nil
}

func (e *Engine) provisionPair(ctx context.Context, a, b lobby.Member) {
	sessionID := uuid.New().String()
	rec := MatchRecord{
		SessionID: sessionID,
		PlayerA:   a.State.Identity.ExternalID,
		PlayerB:   b.State.Identity.ExternalID,
	}
	logger := e.logger.With(
		zap.String("session_id", sessionID),
		zap.String("player_a", rec.PlayerA),
		zap.String("player_b", rec.PlayerB),
	)

	fqdn, port, err := e.allocate(ctx, provision.AllocationRequest{
		BuildID:          e.opts.BuildID,
		PreferredRegions: e.opts.PreferredRegions,
		SessionID:        sessionID,
		InitialPlayers:   []string{rec.PlayerA, rec.PlayerB},
	})
	if err != nil {
		logger.Warn("server provisioning failed", zap.Error(err))
		e.metrics.MatchOutcome(observability.OutcomeProvisionFailed)
		rec.Status = StatusFailed
		rec.Failure = err.Error()
		e.record(ctx, logger, rec)
		return
	}

	logger.Info("match found", zap.String("fqdn", fqdn), zap.Int("port", port))
	e.metrics.MatchOutcome(observability.OutcomeAllocated)
	rec.Status = StatusAllocated
	rec.ServerFQDN = fqdn
	rec.ServerPort = port

	found := protocol.MatchFoundMessage{ServerUrl: fqdn, ServerPort: port}
	var g errgroup.Group
	for _, m := range []lobby.Member{a, b} {
		g.Go(func() error {
			if err := m.Peer.Send(found); err != nil {
				logger.Warn("sending match found", zap.String("conn_id", m.ConnID), zap.Error(err))
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	e.record(ctx, logger, rec)
}

func (e *Engine) allocate(ctx context.Context, req provision.AllocationRequest) (string, int, error) {
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	alloc, err := e.provisioner.RequestServer(ctx, req)
	if err != nil {
		return "", 0, err
	}
	port, err := alloc.GamePort()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", provision.ErrProvisionFailed, err)
	}
	return alloc.FQDN, port, nil
}

func (e *Engine) record(ctx context.Context, logger *zap.Logger, rec MatchRecord) {
	// A session closing mid-match must not lose the history row.
	ctx = context.WithoutCancel(ctx)
	if err := e.recorder.Record(ctx, rec); err != nil {
		logger.Error("recording match", zap.Error(err))
	}
}
