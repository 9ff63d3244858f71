package ledger

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const persistTimeout = 3 * time.Second

// Store writes balances and bets through to Postgres and reloads them on
// startup. Writes are best-effort: a failed write is logged, not returned,
// because the in-memory state is authoritative for a live round.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) saveBalance(userID string, balance int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO balances (user_id, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET balance = $2, updated_at = now()`,
		userID, balance)
	return err
}

func (s *Store) saveBet(b *Bet) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO bets (id, round_id, user_id, amount, auto_cashout,
			cashout_multiplier, status, placed_at, settled_at, payout)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			cashout_multiplier = $6, status = $7, settled_at = $9, payout = $10`,
		b.ID, b.RoundID, b.UserID, b.Amount, b.AutoCashout,
		b.CashoutMultiplier, string(b.Status), b.PlacedAt, b.SettledAt, b.Payout)
	return err
}

func (s *Store) saveTotals(deposits, withdrawals, feesPaid, volume int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_totals (id, deposits, withdrawals, fees_paid, volume)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			deposits = $1, withdrawals = $2, fees_paid = $3, volume = $4`,
		deposits, withdrawals, feesPaid, volume)
	return err
}

func (s *Store) loadBalances(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, balance FROM balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var userID string
		var balance int64
		if err := rows.Scan(&userID, &balance); err != nil {
			return nil, err
		}
		balances[userID] = balance
	}
	return balances, rows.Err()
}

func (s *Store) loadBets(ctx context.Context) ([]*Bet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, user_id, amount, auto_cashout, cashout_multiplier,
			status, placed_at, settled_at, payout
		FROM bets ORDER BY placed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []*Bet
	for rows.Next() {
		b := &Bet{}
		var status string
		if err := rows.Scan(&b.ID, &b.RoundID, &b.UserID, &b.Amount, &b.AutoCashout,
			&b.CashoutMultiplier, &status, &b.PlacedAt, &b.SettledAt, &b.Payout); err != nil {
			return nil, err
		}
		b.Status = BetStatus(status)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *Store) loadTotals(ctx context.Context) (deposits, withdrawals, feesPaid, volume int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT deposits, withdrawals, fees_paid, volume FROM ledger_totals WHERE id = 1`).
		Scan(&deposits, &withdrawals, &feesPaid, &volume)
	if err == pgx.ErrNoRows {
		err = nil
	}
	return
}

// restore rehydrates balances, bets, and counters so an in-flight round's
// escrow survives a process restart.
func (l *Ledger) restore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	balances, err := l.store.loadBalances(ctx)
	if err != nil {
		return err
	}
	bets, err := l.store.loadBets(ctx)
	if err != nil {
		return err
	}
	deposits, withdrawals, feesPaid, volume, err := l.store.loadTotals(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = balances
	l.deposits = deposits
	l.withdrawals = withdrawals
	l.feesPaid = feesPaid
	l.totalVolume = volume

	for _, b := range bets {
		l.bets[b.ID] = b
		l.userBets[b.UserID] = append(l.userBets[b.UserID], b.ID)
		l.roundBets[b.RoundID] = append(l.roundBets[b.RoundID], b.ID)
		if b.Status == BetActive {
			if l.active[b.RoundID] == nil {
				l.active[b.RoundID] = make(map[string]string)
			}
			l.active[b.RoundID][b.UserID] = b.ID
		}
	}

	log.Printf("[LEDGER] Restored %d balances, %d bets", len(balances), len(bets))
	return nil
}

func (l *Ledger) persistBalance(userID string, balance int64) {
	if l.store == nil {
		return
	}
	if err := l.store.saveBalance(userID, balance); err != nil {
		log.Printf("[LEDGER] Persist balance for %s: %v", userID, err)
	}
	l.persistTotals()
}

func (l *Ledger) persistBalanceLocked(userID string) {
	if l.store == nil {
		return
	}
	if err := l.store.saveBalance(userID, l.balances[userID]); err != nil {
		log.Printf("[LEDGER] Persist balance for %s: %v", userID, err)
	}
	if err := l.store.saveTotals(l.deposits, l.withdrawals, l.feesPaid, l.totalVolume); err != nil {
		log.Printf("[LEDGER] Persist totals: %v", err)
	}
}

func (l *Ledger) persistBetLocked(b *Bet) {
	if l.store == nil {
		return
	}
	if err := l.store.saveBet(b); err != nil {
		log.Printf("[LEDGER] Persist bet %s: %v", b.ID, err)
	}
}

func (l *Ledger) persistTotals() {
	if l.store == nil {
		return
	}
	l.mu.Lock()
	deposits, withdrawals, feesPaid, volume := l.deposits, l.withdrawals, l.feesPaid, l.totalVolume
	l.mu.Unlock()
	if err := l.store.saveTotals(deposits, withdrawals, feesPaid, volume); err != nil {
		log.Printf("[LEDGER] Persist totals: %v", err)
	}
}
