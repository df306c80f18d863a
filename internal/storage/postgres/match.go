package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/lobby/internal/matchmaking"
)

// MatchRow is one stored matchmaking outcome.
type MatchRow struct {
	ID        int64
	CreatedAt time.Time
	matchmaking.MatchRecord
}

// MatchRepository appends matchmaking outcomes to the matches table.
// It implements matchmaking.MatchRecorder.
type MatchRepository struct {
	db *pgxpool.Pool
}

// NewMatchRepository creates a MatchRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMatchRepository(db *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{db: db}
}

// Record inserts one outcome. Server columns are NULL for failed matches.
//
// Precondition: rec.SessionID must be a UUID; rec.Status must be allocated or failed.
// Postcondition: Exactly one row exists for rec.SessionID, or an error is returned.
func (r *MatchRepository) Record(ctx context.Context, rec matchmaking.MatchRecord) error {
	sessionID, err := uuid.Parse(rec.SessionID)
	if err != nil {
		return fmt.Errorf("parsing session id %q: %w", rec.SessionID, err)
	}

	var port *int
	if rec.ServerPort != 0 {
		port = &rec.ServerPort
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO matches (session_id, player_a, player_b, server_fqdn, server_port, status, failure)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''))`,
		sessionID, rec.PlayerA, rec.PlayerB, rec.ServerFQDN, port, rec.Status, rec.Failure,
	)
	if err != nil {
		return fmt.Errorf("inserting match %s: %w", rec.SessionID, err)
	}
	return nil
}

// RecentForPlayer returns up to limit outcomes involving externalID, newest first.
//
// Precondition: limit must be positive.
func (r *MatchRepository) RecentForPlayer(ctx context.Context, externalID string, limit int) ([]MatchRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, session_id, player_a, player_b,
		        COALESCE(server_fqdn, ''), COALESCE(server_port, 0),
		        status, COALESCE(failure, ''), created_at
		 FROM matches
		 WHERE player_a = $1 OR player_b = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		externalID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying matches for %s: %w", externalID, err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MatchRow, error) {
		var (
			m         MatchRow
			sessionID uuid.UUID
		)
		err := row.Scan(&m.ID, &sessionID, &m.PlayerA, &m.PlayerB,
			&m.ServerFQDN, &m.ServerPort, &m.Status, &m.Failure, &m.CreatedAt)
		m.SessionID = sessionID.String()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning matches: %w", err)
	}
	return out, nil
}
