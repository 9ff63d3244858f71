package ledger

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"freefall/internal/token"
)

const (
	MIN_BET      = int64(10_000)
	MAX_BET      = int64(100_000_000)
	TRANSFER_FEE = int64(10_000)
)

type BetStatus string

const (
	BetActive    BetStatus = "active"
	BetCashedOut BetStatus = "cashed_out"
	BetCrashed   BetStatus = "crashed"
	BetCancelled BetStatus = "cancelled"
)

type Bet struct {
	ID                string     `json:"id"`
	RoundID           uint64     `json:"round_id"`
	UserID            string     `json:"user_id"`
	Amount            int64      `json:"amount"`
	AutoCashout       float64    `json:"auto_cashout,omitempty"`
	CashoutMultiplier float64    `json:"cashout_multiplier,omitempty"`
	Status            BetStatus  `json:"status"`
	PlacedAt          time.Time  `json:"placed_at"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
	Payout            int64      `json:"payout"`
}

// Ledger owns balances and bet records. Every mutation commits atomically
// under the state mutex; operations that call the external token ledger
// re-validate their preconditions after the call returns, never before.
type Ledger struct {
	tokens  token.Client
	custody string
	store   *Store // nil disables write-through persistence

	mu        sync.Mutex
	balances  map[string]int64
	reserved  map[string]int64 // pending external withdrawals
	bets      map[string]*Bet
	userBets  map[string][]string
	roundBets map[uint64][]string
	active    map[uint64]map[string]string // roundID -> userID -> betID

	deposits    int64
	withdrawals int64
	feesPaid    int64
	totalVolume int64
}

func New(tokens token.Client, custody string, store *Store) *Ledger {
	l := &Ledger{
		tokens:    tokens,
		custody:   custody,
		store:     store,
		balances:  make(map[string]int64),
		reserved:  make(map[string]int64),
		bets:      make(map[string]*Bet),
		userBets:  make(map[string][]string),
		roundBets: make(map[uint64][]string),
		active:    make(map[uint64]map[string]string),
	}
	if store != nil {
		if err := l.restore(); err != nil {
			log.Printf("[LEDGER] Restore failed, starting empty: %v", err)
		}
	}
	return l
}

// Deposit moves funds from the user's external token account into custody
// and credits the local balance. The external call happens first; nothing
// local changes if it fails.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < MIN_BET {
		return 0, ErrBetTooLow
	}

	if _, err := l.tokens.TransferFrom(ctx, l.custody, userID, l.custody, amount, TRANSFER_FEE); err != nil {
		return 0, newTransferError(err)
	}

	l.mu.Lock()
	l.balances[userID] += amount
	l.deposits += amount
	balance := l.balances[userID]
	l.mu.Unlock()

	l.persistBalance(userID, balance)
	log.Printf("[LEDGER] Deposit %d for %s (balance %d)", amount, userID, balance)
	return balance, nil
}

// Withdraw sends funds back to the user's external account. The amount plus
// fee is reserved before the external call so an interleaved bet cannot
// double-spend it; the balance itself only moves after the transfer
// succeeds.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount int64) (int64, error) {
	l.mu.Lock()
	if l.available(userID) < amount+TRANSFER_FEE {
		l.mu.Unlock()
		return 0, ErrInsufficientBalance
	}
	l.reserved[userID] += amount + TRANSFER_FEE
	l.mu.Unlock()

	_, err := l.tokens.Transfer(ctx, userID, amount, TRANSFER_FEE, "withdrawal")

	l.mu.Lock()
	l.reserved[userID] -= amount + TRANSFER_FEE
	if err != nil {
		l.mu.Unlock()
		return 0, newTransferError(err)
	}
	l.balances[userID] -= amount + TRANSFER_FEE
	l.withdrawals += amount
	l.feesPaid += TRANSFER_FEE
	balance := l.balances[userID]
	l.mu.Unlock()

	l.persistBalance(userID, balance)
	log.Printf("[LEDGER] Withdrawal %d for %s (balance %d)", amount, userID, balance)
	return balance, nil
}

// PlaceBet escrows the stake and creates the bet as one unit: no observer
// sees the balance debited without the bet existing, or vice versa.
func (l *Ledger) PlaceBet(roundID uint64, userID string, amount int64, autoCashout float64) (Bet, error) {
	if amount < MIN_BET {
		return Bet{}, ErrBetTooLow
	}
	if amount > MAX_BET {
		return Bet{}, ErrBetTooHigh
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.available(userID) < amount {
		return Bet{}, ErrInsufficientBalance
	}
	if _, dup := l.active[roundID][userID]; dup {
		return Bet{}, ErrAlreadyBet
	}

	bet := &Bet{
		ID:          uuid.NewString(),
		RoundID:     roundID,
		UserID:      userID,
		Amount:      amount,
		AutoCashout: autoCashout,
		Status:      BetActive,
		PlacedAt:    time.Now(),
	}

	l.balances[userID] -= amount
	l.totalVolume += amount
	l.bets[bet.ID] = bet
	l.userBets[userID] = append(l.userBets[userID], bet.ID)
	l.roundBets[roundID] = append(l.roundBets[roundID], bet.ID)
	if l.active[roundID] == nil {
		l.active[roundID] = make(map[string]string)
	}
	l.active[roundID][userID] = bet.ID

	l.persistBetLocked(bet)
	l.persistBalanceLocked(userID)

	log.Printf("[BET] %s placed %d on round %d (ID: %s)", userID, amount, roundID, bet.ID)
	return *bet, nil
}

// Cashout settles an active bet at the given multiplier. The payout is
// truncated, not rounded, at two decimal places so the house never
// over-pays. A second call on the same bet fails without touching payout.
func (l *Ledger) Cashout(betID, caller string, multiplier float64) (Bet, error) {
	if multiplier < 1.0 {
		return Bet{}, ErrInvalidMultiplier
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bet, ok := l.bets[betID]
	if !ok {
		return Bet{}, ErrInvalidBet
	}
	if bet.UserID != caller {
		return Bet{}, ErrNotAuthorized
	}
	if bet.Status != BetActive {
		return Bet{}, ErrCannotCashout
	}

	now := time.Now()
	bet.Status = BetCashedOut
	bet.CashoutMultiplier = multiplier
	bet.Payout = truncatedPayout(bet.Amount, multiplier)
	bet.SettledAt = &now

	l.balances[bet.UserID] += bet.Payout
	delete(l.active[bet.RoundID], bet.UserID)

	l.persistBetLocked(bet)
	l.persistBalanceLocked(bet.UserID)

	log.Printf("[CASHOUT] %s cashed out bet %s at %.2fx (payout %d)", caller, betID, multiplier, bet.Payout)
	return *bet, nil
}

// CancelBet refunds an active bet in full. Only valid before the round
// starts; the orchestrator enforces the phase.
func (l *Ledger) CancelBet(betID, caller string) (Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bet, ok := l.bets[betID]
	if !ok {
		return Bet{}, ErrInvalidBet
	}
	if bet.UserID != caller {
		return Bet{}, ErrNotAuthorized
	}
	if bet.Status != BetActive {
		return Bet{}, ErrCannotCashout
	}

	now := time.Now()
	bet.Status = BetCancelled
	bet.SettledAt = &now

	l.balances[bet.UserID] += bet.Amount
	l.totalVolume -= bet.Amount
	delete(l.active[bet.RoundID], bet.UserID)

	l.persistBetLocked(bet)
	l.persistBalanceLocked(bet.UserID)

	log.Printf("[BET] %s cancelled bet %s (refund %d)", caller, betID, bet.Amount)
	return *bet, nil
}

// ProcessCrashedBets settles every still-active bet in the round as a loss
// and clears the round's active index. Idempotent: a second call finds no
// index and reports zero.
func (l *Ledger) ProcessCrashedBets(roundID uint64, crashPoint float64) ([]Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.active[roundID]
	if len(index) == 0 {
		delete(l.active, roundID)
		return nil, nil
	}

	now := time.Now()
	crashed := make([]Bet, 0, len(index))
	for _, betID := range index {
		bet := l.bets[betID]
		if bet == nil || bet.Status != BetActive {
			continue
		}
		bet.Status = BetCrashed
		bet.Payout = 0
		bet.SettledAt = &now
		l.persistBetLocked(bet)
		crashed = append(crashed, *bet)
	}
	delete(l.active, roundID)

	log.Printf("[LEDGER] Round %d crashed at %.2fx, %d bets lost", roundID, crashPoint, len(crashed))
	return crashed, nil
}

func (l *Ledger) GetBalance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *Ledger) GetBet(betID string) (Bet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bet, ok := l.bets[betID]
	if !ok {
		return Bet{}, false
	}
	return *bet, true
}

// GetUserBets returns up to limit of the user's bets, newest first.
func (l *Ledger) GetUserBets(userID string, limit int) []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.userBets[userID]
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]Bet, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *l.bets[ids[i]])
	}
	return out
}

func (l *Ledger) GetRoundBets(roundID uint64) []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.roundBets[roundID]
	out := make([]Bet, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.bets[id])
	}
	return out
}

func (l *Ledger) GetActiveBetsCount(roundID uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active[roundID])
}

func (l *Ledger) GetTotalVolume() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalVolume
}

// available is balance minus pending withdrawal reservations. Callers hold
// the mutex.
func (l *Ledger) available(userID string) int64 {
	return l.balances[userID] - l.reserved[userID]
}

func truncatedPayout(amount int64, multiplier float64) int64 {
	return int64(math.Floor(float64(amount)*multiplier*100) / 100)
}
