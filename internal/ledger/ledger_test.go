package ledger

import (
	"context"
	"errors"
	"testing"
)

// fakeToken is a scriptable token-ledger client.
type fakeToken struct {
	failNext  error
	transfers int
	seq       uint64
}

func (f *fakeToken) Transfer(_ context.Context, to string, amount, fee int64, memo string) (uint64, error) {
	return f.result()
}

func (f *fakeToken) TransferFrom(_ context.Context, spender, from, to string, amount, fee int64) (uint64, error) {
	return f.result()
}

func (f *fakeToken) BalanceOf(_ context.Context, account string) (int64, error) {
	return 0, nil
}

func (f *fakeToken) result() (uint64, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, err
	}
	f.transfers++
	f.seq++
	return f.seq, nil
}

func newTestLedger() (*Ledger, *fakeToken) {
	tokens := &fakeToken{}
	return New(tokens, "house", nil), tokens
}

func fund(t *testing.T, l *Ledger, userID string, amount int64) {
	t.Helper()
	if _, err := l.Deposit(context.Background(), userID, amount); err != nil {
		t.Fatalf("Deposit(%s, %d) error: %v", userID, amount, err)
	}
}

func TestDeposit(t *testing.T) {
	l, tokens := newTestLedger()

	balance, err := l.Deposit(context.Background(), "alice", 10_000_000)
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	if balance != 10_000_000 {
		t.Errorf("balance = %d, want 10000000", balance)
	}
	if tokens.transfers != 1 {
		t.Errorf("transfers = %d, want 1", tokens.transfers)
	}
}

func TestDeposit_BelowMinimum(t *testing.T) {
	l, tokens := newTestLedger()

	if _, err := l.Deposit(context.Background(), "alice", MIN_BET-1); !errors.Is(err, ErrBetTooLow) {
		t.Errorf("err = %v, want ErrBetTooLow", err)
	}
	if tokens.transfers != 0 {
		t.Error("external transfer attempted for invalid deposit")
	}
}

func TestDeposit_TransferFailure(t *testing.T) {
	l, tokens := newTestLedger()
	tokens.failNext = errors.New("insufficient funds")

	_, err := l.Deposit(context.Background(), "alice", 1_000_000)

	var transferErr *TransferError
	if !errors.As(err, &transferErr) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if got := l.GetBalance("alice"); got != 0 {
		t.Errorf("balance mutated on failed transfer: %d", got)
	}
}

func TestWithdraw(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 1_000_000)

	balance, err := l.Withdraw(context.Background(), "alice", 500_000)
	if err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}
	if want := 1_000_000 - 500_000 - TRANSFER_FEE; balance != want {
		t.Errorf("balance = %d, want %d", balance, want)
	}
}

func TestWithdraw_InsufficientForFee(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 500_000)

	// Exactly the amount, nothing left for the fee.
	if _, err := l.Withdraw(context.Background(), "alice", 500_000); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestWithdraw_TransferFailure(t *testing.T) {
	l, tokens := newTestLedger()
	fund(t, l, "alice", 1_000_000)
	tokens.failNext = errors.New("temporarily unavailable")

	_, err := l.Withdraw(context.Background(), "alice", 100_000)

	var transferErr *TransferError
	if !errors.As(err, &transferErr) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if got := l.GetBalance("alice"); got != 1_000_000 {
		t.Errorf("balance = %d, want untouched 1000000", got)
	}
	if got := l.reserved["alice"]; got != 0 {
		t.Errorf("reservation leaked: %d", got)
	}
}

func TestPlaceBet(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 10_000_000)

	bet, err := l.PlaceBet(1, "alice", 1_000_000, 2.0)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	if bet.Status != BetActive {
		t.Errorf("status = %s, want active", bet.Status)
	}
	if got := l.GetBalance("alice"); got != 9_000_000 {
		t.Errorf("balance = %d, want 9000000", got)
	}
	if got := l.GetActiveBetsCount(1); got != 1 {
		t.Errorf("active bets = %d, want 1", got)
	}
	if got := l.GetTotalVolume(); got != 1_000_000 {
		t.Errorf("volume = %d, want 1000000", got)
	}
}

func TestPlaceBet_Validation(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 10_000_000)

	tests := []struct {
		name    string
		user    string
		amount  int64
		wantErr error
	}{
		{"Below minimum", "alice", MIN_BET - 1, ErrBetTooLow},
		{"Above maximum", "alice", MAX_BET + 1, ErrBetTooHigh},
		{"Insufficient balance", "bob", 1_000_000, ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := l.GetBalance(tt.user)
			if _, err := l.PlaceBet(1, tt.user, tt.amount, 0); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if got := l.GetBalance(tt.user); got != before {
				t.Errorf("balance changed on rejected bet: %d -> %d", before, got)
			}
		})
	}
}

func TestPlaceBet_OnePerRound(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 10_000_000)

	if _, err := l.PlaceBet(1, "alice", 100_000, 0); err != nil {
		t.Fatalf("first PlaceBet() error: %v", err)
	}
	if _, err := l.PlaceBet(1, "alice", 100_000, 0); !errors.Is(err, ErrAlreadyBet) {
		t.Errorf("err = %v, want ErrAlreadyBet", err)
	}
	// A different round is fine.
	if _, err := l.PlaceBet(2, "alice", 100_000, 0); err != nil {
		t.Errorf("next-round PlaceBet() error: %v", err)
	}
}

func TestCashout(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 10_000_000)

	bet, err := l.PlaceBet(1, "alice", 1_000_000, 2.0)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	settled, err := l.Cashout(bet.ID, "alice", 2.0)
	if err != nil {
		t.Fatalf("Cashout() error: %v", err)
	}

	if settled.Status != BetCashedOut {
		t.Errorf("status = %s, want cashed_out", settled.Status)
	}
	if settled.Payout != 2_000_000 {
		t.Errorf("payout = %d, want 2000000", settled.Payout)
	}
	if settled.SettledAt == nil {
		t.Error("settledAt not set")
	}
	if got := l.GetBalance("alice"); got != 11_000_000 {
		t.Errorf("balance = %d, want 11000000", got)
	}
}

func TestCashout_Errors(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 10_000_000)
	bet, _ := l.PlaceBet(1, "alice", 1_000_000, 0)

	tests := []struct {
		name    string
		betID   string
		caller  string
		mult    float64
		wantErr error
	}{
		{"Unknown bet", "nope", "alice", 2.0, ErrInvalidBet},
		{"Wrong owner", bet.ID, "mallory", 2.0, ErrNotAuthorized},
		{"Multiplier below 1", bet.ID, "alice", 0.9, ErrInvalidMultiplier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Cashout(tt.betID, tt.caller, tt.mult); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCashout_Reentrant(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 10_000_000)
	bet, _ := l.PlaceBet(1, "alice", 1_000_000, 0)

	first, err := l.Cashout(bet.ID, "alice", 3.0)
	if err != nil {
		t.Fatalf("Cashout() error: %v", err)
	}

	if _, err := l.Cashout(bet.ID, "alice", 5.0); !errors.Is(err, ErrCannotCashout) {
		t.Errorf("second cashout err = %v, want ErrCannotCashout", err)
	}

	after, _ := l.GetBet(bet.ID)
	if after.Payout != first.Payout {
		t.Errorf("payout changed by re-entrant cashout: %d -> %d", first.Payout, after.Payout)
	}
	if got := l.GetBalance("alice"); got != 9_000_000+first.Payout {
		t.Errorf("balance double-credited: %d", got)
	}
}

func TestCashout_Truncation(t *testing.T) {
	tests := []struct {
		amount int64
		mult   float64
		want   int64
	}{
		{1_000_000, 2.0, 2_000_000},
		{100_000, 1.01, 101_000},
		{333_333, 1.5, 499_999}, // 499999.5 truncates down
		{1, 1.99, 1},
	}

	for _, tt := range tests {
		if got := truncatedPayout(tt.amount, tt.mult); got != tt.want {
			t.Errorf("truncatedPayout(%d, %v) = %d, want %d", tt.amount, tt.mult, got, tt.want)
		}
	}
}

func TestProcessCrashedBets(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "bob", 1_000_000)

	bet, err := l.PlaceBet(1, "bob", 500_000, 0)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	balanceAfterBet := l.GetBalance("bob")

	crashed, err := l.ProcessCrashedBets(1, 1.5)
	if err != nil {
		t.Fatalf("ProcessCrashedBets() error: %v", err)
	}
	if len(crashed) != 1 {
		t.Fatalf("crashed = %d bets, want 1", len(crashed))
	}

	after, _ := l.GetBet(bet.ID)
	if after.Status != BetCrashed {
		t.Errorf("status = %s, want crashed", after.Status)
	}
	if after.Payout != 0 {
		t.Errorf("payout = %d, want 0", after.Payout)
	}
	if got := l.GetBalance("bob"); got != balanceAfterBet {
		t.Errorf("balance = %d, want unchanged %d", got, balanceAfterBet)
	}

	// Idempotent: the second sweep finds nothing and does not error.
	again, err := l.ProcessCrashedBets(1, 1.5)
	if err != nil {
		t.Fatalf("second ProcessCrashedBets() error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second sweep settled %d bets, want 0", len(again))
	}
}

func TestProcessCrashedBets_SkipsSettled(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 2_000_000)
	fund(t, l, "bob", 2_000_000)

	winner, _ := l.PlaceBet(1, "alice", 1_000_000, 0)
	l.PlaceBet(1, "bob", 1_000_000, 0)
	l.Cashout(winner.ID, "alice", 1.8)

	crashed, _ := l.ProcessCrashedBets(1, 2.5)
	if len(crashed) != 1 {
		t.Fatalf("crashed = %d bets, want 1", len(crashed))
	}
	if crashed[0].UserID != "bob" {
		t.Errorf("crashed bet owner = %s, want bob", crashed[0].UserID)
	}
}

func TestCancelBet(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 1_000_000)
	bet, _ := l.PlaceBet(1, "alice", 500_000, 0)

	refunded, err := l.CancelBet(bet.ID, "alice")
	if err != nil {
		t.Fatalf("CancelBet() error: %v", err)
	}
	if refunded.Status != BetCancelled {
		t.Errorf("status = %s, want cancelled", refunded.Status)
	}
	if got := l.GetBalance("alice"); got != 1_000_000 {
		t.Errorf("balance = %d, want refunded 1000000", got)
	}
	if got := l.GetActiveBetsCount(1); got != 0 {
		t.Errorf("active bets = %d, want 0", got)
	}
}

func TestQueries(t *testing.T) {
	l, _ := newTestLedger()
	fund(t, l, "alice", 10_000_000)

	var ids []string
	for round := uint64(1); round <= 3; round++ {
		bet, err := l.PlaceBet(round, "alice", 100_000, 0)
		if err != nil {
			t.Fatalf("PlaceBet(round %d) error: %v", round, err)
		}
		ids = append(ids, bet.ID)
		l.ProcessCrashedBets(round, 1.2)
	}

	bets := l.GetUserBets("alice", 2)
	if len(bets) != 2 {
		t.Fatalf("GetUserBets limit 2 = %d bets", len(bets))
	}
	// Newest first.
	if bets[0].ID != ids[2] || bets[1].ID != ids[1] {
		t.Error("GetUserBets not newest-first")
	}

	if got := l.GetRoundBets(2); len(got) != 1 || got[0].RoundID != 2 {
		t.Errorf("GetRoundBets(2) = %+v", got)
	}
	if got := l.GetTotalVolume(); got != 300_000 {
		t.Errorf("volume = %d, want 300000", got)
	}
}

// Conservation: balances plus active escrow never exceed net deposits minus
// fees, across deposit, bet, crash, and withdrawal flows.
func TestConservation(t *testing.T) {
	l, _ := newTestLedger()

	check := func(stage string) {
		t.Helper()
		l.mu.Lock()
		var balances int64
		for _, b := range l.balances {
			balances += b
		}
		var escrow int64
		for _, index := range l.active {
			for _, betID := range index {
				escrow += l.bets[betID].Amount
			}
		}
		limit := l.deposits - l.withdrawals - l.feesPaid
		l.mu.Unlock()

		if balances+escrow > limit {
			t.Errorf("%s: balances %d + escrow %d exceeds net deposits %d", stage, balances, escrow, limit)
		}
	}

	fund(t, l, "alice", 10_000_000)
	fund(t, l, "bob", 5_000_000)
	check("after deposits")

	l.PlaceBet(1, "alice", 1_000_000, 0)
	l.PlaceBet(1, "bob", 2_000_000, 0)
	check("after bets")

	l.ProcessCrashedBets(1, 1.1)
	check("after crash")

	if _, err := l.Withdraw(context.Background(), "bob", 1_000_000); err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}
	check("after withdrawal")
}
