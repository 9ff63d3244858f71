package game

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoundStore writes round history through to Postgres. Like the ledger's
// store, writes are best-effort; the orchestrator's memory is authoritative
// for the live cycle.
type RoundStore struct {
	pool *pgxpool.Pool
}

func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

func (s *RoundStore) SaveRound(r *Round) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (id, phase, crash_point, started_at, created_at,
			completed_at, total_wagered, total_players)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			phase = $2, started_at = $4, completed_at = $6,
			total_wagered = $7, total_players = $8`,
		r.ID, string(r.Phase), r.CrashPoint, nullableTime(r.StartTime),
		r.CreatedAt, r.CompletedAt, r.TotalWagered, r.TotalPlayers)
	return err
}

// LastRoundID returns the highest round ordinal ever persisted, 0 when the
// table is empty.
func (s *RoundStore) LastRoundID(ctx context.Context) (uint64, error) {
	var id uint64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM rounds`).Scan(&id)
	if err != nil && err != pgx.ErrNoRows {
		return 0, err
	}
	return id, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
