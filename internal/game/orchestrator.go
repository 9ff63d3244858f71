package game

import (
	"log"
	"sync"
	"time"

	"freefall/internal/engine"
	"freefall/internal/ledger"
	"freefall/internal/stats"
)

// Orchestrator drives the round phase machine:
//
//	waiting -> starting -> in_progress -> crashed -> completed -> waiting...
//
// A single goroutine owns phase progression; request handlers re-validate
// the phase against the round id before committing anything, so a stale
// timer or an interleaved call degrades to a no-op instead of corrupting a
// round.
type Orchestrator struct {
	cfg     Config
	engine  *engine.Engine
	wagers  *ledger.Ledger
	stats   stats.Recorder
	hub     *Hub
	snaps   *SnapshotStore
	history *RoundStore

	mu      sync.RWMutex
	current *Round
	rounds  map[uint64]*Round
	recent  []uint64 // newest last, bounded
	nextID  uint64

	running bool
	stopCh  chan struct{}
}

func NewOrchestrator(cfg Config, eng *engine.Engine, wagers *ledger.Ledger, rec stats.Recorder, hub *Hub, snaps *SnapshotStore, history *RoundStore) *Orchestrator {
	if rec == nil {
		rec = stats.Noop{}
	}
	o := &Orchestrator{
		cfg:     cfg,
		engine:  eng,
		wagers:  wagers,
		stats:   rec,
		hub:     hub,
		snaps:   snaps,
		history: history,
		rounds:  make(map[uint64]*Round),
		nextID:  1,
	}
	o.recover()
	return o
}

// recover rehydrates the in-flight round, if any, so a restart re-arms the
// timer chain from the persisted phase instead of abandoning the round.
func (o *Orchestrator) recover() {
	if o.snaps == nil {
		return
	}
	round, nextID, err := o.snaps.LoadCurrent()
	if err != nil {
		log.Printf("[GAME] Snapshot restore failed: %v", err)
		return
	}
	if nextID > o.nextID {
		o.nextID = nextID
	}
	if round == nil || round.Phase == PhaseCompleted {
		return
	}
	o.current = round
	o.rounds[round.ID] = round
	o.recent = append(o.recent, round.ID)
	log.Printf("[GAME] Recovered round %d in phase %s", round.ID, round.Phase)
}

// Start launches the game loop. Idempotent: a second call while a loop is
// running does nothing and reports false.
func (o *Orchestrator) Start() bool {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return false
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	go o.gameLoop()
	log.Println("[GAME] Game loop started")
	return true
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()
	log.Println("[GAME] Game loop stopped")
}

func (o *Orchestrator) gameLoop() {
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}
		o.runCycle()
	}
}

// runCycle walks one round through its phases. Entry is wherever the
// current round already is, which is what makes restart recovery work.
func (o *Orchestrator) runCycle() {
	round := o.currentOrBegin()
	if round == nil {
		return
	}
	roundID := round.ID

	if o.phaseOf(roundID) == PhaseWaiting {
		if !o.sleep(o.cfg.BettingWindow) {
			return
		}
		o.advance(roundID, PhaseWaiting, PhaseStarting)
		o.broadcast("countdown", map[string]interface{}{
			"round_id":    roundID,
			"starting_in": o.cfg.Countdown.Seconds(),
		})
	}

	if o.phaseOf(roundID) == PhaseStarting {
		if !o.sleep(o.cfg.Countdown) {
			return
		}
		o.liftOff(roundID)
	}

	if o.phaseOf(roundID) == PhaseInProgress {
		if !o.flight(roundID) {
			return
		}
	}

	if o.phaseOf(roundID) == PhaseCrashed {
		o.settle(roundID)
	}

	o.sleep(o.cfg.RoundPause)
}

// currentOrBegin returns the in-flight round or commits a fresh one: next
// ordinal id, crash point generated and stored before the phase is readable
// by anyone.
func (o *Orchestrator) currentOrBegin() *Round {
	o.mu.RLock()
	cur := o.current
	o.mu.RUnlock()
	if cur != nil && cur.Phase != PhaseCompleted {
		return cur
	}

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.mu.Unlock()

	crashPoint, err := o.engine.GenerateCrashPoint(id)
	if err != nil {
		log.Printf("[GAME] Crash point generation failed for round %d: %v", id, err)
		o.sleep(o.cfg.RoundPause)
		return nil
	}

	round := &Round{
		ID:                id,
		Phase:             PhaseWaiting,
		CrashPoint:        crashPoint,
		CurrentMultiplier: engine.MIN_MULTIPLIER,
		CreatedAt:         time.Now(),
	}

	o.mu.Lock()
	o.current = round
	o.rounds[id] = round
	o.recent = append(o.recent, id)
	if max := o.cfg.RecentRounds; max > 0 && len(o.recent) > max {
		evict := o.recent[0]
		o.recent = o.recent[1:]
		if evict != id {
			delete(o.rounds, evict)
		}
	}
	o.mu.Unlock()

	o.snapshot(round)
	o.persistRound(round)

	log.Printf("\n=== ROUND %d === betting open for %s", id, o.cfg.BettingWindow)
	o.broadcast("round_start", map[string]interface{}{
		"round_id":  id,
		"phase":     PhaseWaiting,
		"time_left": o.cfg.BettingWindow.Seconds(),
	})
	return round
}

// liftOff moves the round into flight: multiplier resets to 1.0 and the
// clock that drives it starts now.
func (o *Orchestrator) liftOff(roundID uint64) {
	o.mu.Lock()
	round := o.rounds[roundID]
	if round == nil || round.Phase != PhaseStarting {
		o.mu.Unlock()
		return
	}
	round.Phase = PhaseInProgress
	round.StartTime = time.Now()
	round.CurrentMultiplier = engine.MIN_MULTIPLIER
	snap := *round
	o.mu.Unlock()

	o.snapshot(&snap)
	o.broadcast("round_running", map[string]interface{}{
		"round_id": roundID,
		"phase":    PhaseInProgress,
	})
}

// flight runs the multiplier sweep until the committed crash point is hit.
// Wakeups come from the tick interval or sooner when an auto-cashout target
// falls due, computed from the inverse growth curve. Returns false only on
// shutdown.
func (o *Orchestrator) flight(roundID uint64) bool {
	for {
		wait := o.cfg.TickInterval
		if d, ok := o.untilNextAuto(roundID); ok && d < wait {
			if d < 0 {
				d = 0
			}
			wait = d
		}

		timer := time.NewTimer(wait)
		select {
		case <-o.stopCh:
			timer.Stop()
			return false
		case <-timer.C:
		}

		if o.tick(roundID) {
			return true
		}
	}
}

// tick advances the multiplier once. Reports true when the round is no
// longer in flight.
func (o *Orchestrator) tick(roundID uint64) bool {
	o.mu.Lock()
	round := o.rounds[roundID]
	if round == nil || round.Phase != PhaseInProgress || o.current == nil || o.current.ID != roundID {
		o.mu.Unlock()
		return true
	}

	mult := engine.CurrentMultiplier(round.StartTime, time.Now())

	if mult >= round.CrashPoint {
		round.Phase = PhaseCrashed
		round.CurrentMultiplier = round.CrashPoint
		snap := *round
		o.mu.Unlock()

		o.snapshot(&snap)

		reveal := map[string]interface{}{
			"round_id":   roundID,
			"multiplier": snap.CrashPoint,
		}
		if seed, ok := o.engine.VerifySeed(roundID); ok {
			reveal["entropy"] = seed.Entropy
		}
		o.broadcast("crash", reveal)
		return true
	}

	round.CurrentMultiplier = mult
	o.mu.Unlock()

	o.broadcast("update", map[string]interface{}{
		"round_id":   roundID,
		"multiplier": mult,
	})
	o.sweepAutoCashouts(roundID, mult)
	return false
}

// sweepAutoCashouts settles every active bet whose target the multiplier
// has reached. Bets cash out at their target, not at the sweep's observed
// multiplier, so a slow tick never inflates a payout.
func (o *Orchestrator) sweepAutoCashouts(roundID uint64, mult float64) {
	for _, bet := range o.wagers.GetRoundBets(roundID) {
		if bet.Status != ledger.BetActive || bet.AutoCashout <= 0 || bet.AutoCashout > mult {
			continue
		}
		settled, err := o.wagers.Cashout(bet.ID, bet.UserID, bet.AutoCashout)
		if err != nil {
			// Typically a manual cashout won the race; nothing to repair.
			continue
		}
		o.stats.RecordBetWon(settled.UserID, settled.Amount, settled.Payout, settled.CashoutMultiplier)
		o.broadcast("cashout", map[string]interface{}{
			"round_id":   roundID,
			"bet_id":     settled.ID,
			"user_id":    settled.UserID,
			"multiplier": settled.CashoutMultiplier,
			"payout":     settled.Payout,
			"auto":       true,
		})
	}
}

// untilNextAuto returns how long until the earliest unsatisfied auto-cashout
// target falls due on the growth curve.
func (o *Orchestrator) untilNextAuto(roundID uint64) (time.Duration, bool) {
	o.mu.RLock()
	round := o.rounds[roundID]
	if round == nil || round.Phase != PhaseInProgress {
		o.mu.RUnlock()
		return 0, false
	}
	startTime := round.StartTime
	current := round.CurrentMultiplier
	o.mu.RUnlock()

	next := 0.0
	for _, bet := range o.wagers.GetRoundBets(roundID) {
		if bet.Status != ledger.BetActive || bet.AutoCashout <= current {
			continue
		}
		if next == 0 || bet.AutoCashout < next {
			next = bet.AutoCashout
		}
	}
	if next == 0 {
		return 0, false
	}

	offset, err := engine.TimeForMultiplier(next)
	if err != nil {
		return 0, false
	}
	return time.Until(startTime.Add(offset)), true
}

// settle processes the crash fallout: every remaining active bet loses,
// losses are reported, and the round closes out.
func (o *Orchestrator) settle(roundID uint64) {
	o.mu.RLock()
	round := o.rounds[roundID]
	if round == nil || round.Phase != PhaseCrashed {
		o.mu.RUnlock()
		return
	}
	crashPoint := round.CrashPoint
	o.mu.RUnlock()

	crashed, err := o.wagers.ProcessCrashedBets(roundID, crashPoint)
	if err != nil {
		log.Printf("[GAME] Settling round %d: %v", roundID, err)
	}
	for _, bet := range crashed {
		o.stats.RecordBetLost(bet.UserID, bet.Amount)
	}

	o.mu.Lock()
	now := time.Now()
	round.Phase = PhaseCompleted
	round.CompletedAt = &now
	snap := *round
	o.mu.Unlock()

	o.snapshot(&snap)
	o.persistRound(&snap)

	log.Printf("=== ROUND %d ENDED at %.2fx (%d bets lost) ===\n", roundID, crashPoint, len(crashed))
	o.broadcast("round_complete", map[string]interface{}{
		"round_id":    roundID,
		"crash_point": crashPoint,
	})
}

// PlaceBet accepts a wager while the current round is still open. The
// escrow happens in the ledger; the round aggregates are committed only
// after re-checking that the round has not moved on in the meantime.
func (o *Orchestrator) PlaceBet(userID string, amount int64, autoCashout float64) (ledger.Bet, error) {
	if autoCashout != 0 && autoCashout < engine.MIN_MULTIPLIER {
		return ledger.Bet{}, ledger.ErrInvalidMultiplier
	}

	o.mu.RLock()
	if !o.running || o.current == nil {
		o.mu.RUnlock()
		return ledger.Bet{}, ErrGameNotStarted
	}
	if o.current.Phase != PhaseWaiting {
		o.mu.RUnlock()
		return ledger.Bet{}, ErrRoundAlreadyStarted
	}
	roundID := o.current.ID
	o.mu.RUnlock()

	bet, err := o.wagers.PlaceBet(roundID, userID, amount, autoCashout)
	if err != nil {
		return ledger.Bet{}, err
	}

	o.mu.Lock()
	round := o.rounds[roundID]
	if round == nil || round.Phase != PhaseWaiting {
		o.mu.Unlock()
		// The betting window closed while the escrow committed; unwind.
		if _, cerr := o.wagers.CancelBet(bet.ID, userID); cerr != nil {
			log.Printf("[GAME] Unwinding late bet %s: %v", bet.ID, cerr)
		}
		return ledger.Bet{}, ErrRoundAlreadyStarted
	}
	round.TotalWagered += amount
	round.TotalPlayers++
	snap := *round
	o.mu.Unlock()

	o.snapshot(&snap)
	o.stats.RecordBetPlaced(userID, bet.ID, amount)
	o.broadcast("bet_placed", map[string]interface{}{
		"round_id": roundID,
		"bet_id":   bet.ID,
		"user_id":  userID,
		"amount":   amount,
	})
	return bet, nil
}

// Cashout settles the caller's bet at the round's current multiplier.
func (o *Orchestrator) Cashout(betID, userID string) (ledger.Bet, error) {
	o.mu.RLock()
	if o.current == nil {
		o.mu.RUnlock()
		return ledger.Bet{}, ErrGameNotStarted
	}
	if o.current.Phase != PhaseInProgress {
		o.mu.RUnlock()
		return ledger.Bet{}, ledger.ErrCannotCashout
	}
	roundID := o.current.ID
	mult := o.current.CurrentMultiplier
	o.mu.RUnlock()

	bet, err := o.wagers.Cashout(betID, userID, mult)
	if err != nil {
		return ledger.Bet{}, err
	}

	o.stats.RecordBetWon(bet.UserID, bet.Amount, bet.Payout, bet.CashoutMultiplier)
	o.broadcast("cashout", map[string]interface{}{
		"round_id":   roundID,
		"bet_id":     bet.ID,
		"user_id":    bet.UserID,
		"multiplier": bet.CashoutMultiplier,
		"payout":     bet.Payout,
	})
	return bet, nil
}

// CancelBet refunds the caller's bet while the round is still open.
func (o *Orchestrator) CancelBet(betID, userID string) (ledger.Bet, error) {
	o.mu.RLock()
	if o.current == nil {
		o.mu.RUnlock()
		return ledger.Bet{}, ErrGameNotStarted
	}
	if o.current.Phase != PhaseWaiting {
		o.mu.RUnlock()
		return ledger.Bet{}, ErrRoundAlreadyStarted
	}
	roundID := o.current.ID
	o.mu.RUnlock()

	bet, err := o.wagers.CancelBet(betID, userID)
	if err != nil {
		return ledger.Bet{}, err
	}

	o.mu.Lock()
	if round := o.rounds[roundID]; round != nil && round.ID == bet.RoundID {
		round.TotalWagered -= bet.Amount
		round.TotalPlayers--
	}
	o.mu.Unlock()
	return bet, nil
}

func (o *Orchestrator) CurrentRound() (RoundView, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return RoundView{}, false
	}
	return o.current.view(), true
}

func (o *Orchestrator) GetRound(id uint64) (RoundView, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	round, ok := o.rounds[id]
	if !ok {
		return RoundView{}, false
	}
	return round.view(), true
}

// RecentRounds returns up to limit retained rounds, newest first.
func (o *Orchestrator) RecentRounds(limit int) []RoundView {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if limit <= 0 || limit > len(o.recent) {
		limit = len(o.recent)
	}
	out := make([]RoundView, 0, limit)
	for i := len(o.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if round, ok := o.rounds[o.recent[i]]; ok {
			out = append(out, round.view())
		}
	}
	return out
}

// RoundCount is the number of rounds ever begun.
func (o *Orchestrator) RoundCount() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nextID - 1
}

func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

func (o *Orchestrator) phaseOf(roundID uint64) Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	round, ok := o.rounds[roundID]
	if !ok {
		return PhaseCompleted
	}
	return round.Phase
}

// advance moves a round between phases only if it is still where the timer
// left it; anything else means another path got there first.
func (o *Orchestrator) advance(roundID uint64, from, to Phase) {
	o.mu.Lock()
	round := o.rounds[roundID]
	if round == nil || round.Phase != from {
		o.mu.Unlock()
		return
	}
	round.Phase = to
	snap := *round
	o.mu.Unlock()
	o.snapshot(&snap)
}

// sleep waits d, returning false if the loop is shutting down.
func (o *Orchestrator) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	select {
	case <-o.stopCh:
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

func (o *Orchestrator) snapshot(round *Round) {
	if o.snaps == nil {
		return
	}
	o.mu.RLock()
	nextID := o.nextID
	o.mu.RUnlock()
	if err := o.snaps.Save(round, nextID); err != nil {
		log.Printf("[GAME] Snapshot round %d: %v", round.ID, err)
	}
}

func (o *Orchestrator) persistRound(round *Round) {
	if o.history == nil {
		return
	}
	if err := o.history.SaveRound(round); err != nil {
		log.Printf("[GAME] Persist round %d: %v", round.ID, err)
	}
}

func (o *Orchestrator) broadcast(eventType string, data interface{}) {
	if o.hub == nil {
		return
	}
	o.hub.Broadcast(Event{Type: eventType, Data: data})
}
