package game

import (
	"errors"
	"time"
)

type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseStarting   Phase = "starting"
	PhaseInProgress Phase = "in_progress"
	PhaseCrashed    Phase = "crashed"
	PhaseCompleted  Phase = "completed"
)

var (
	ErrGameNotStarted      = errors.New("game loop is not running")
	ErrRoundNotActive      = errors.New("no round is active")
	ErrRoundAlreadyStarted = errors.New("betting is closed for this round")
)

// Round is the orchestrator's record of one cycle. CrashPoint is committed
// before the round opens and immutable afterwards; views control who can
// see it.
type Round struct {
	ID                uint64     `json:"id"`
	Phase             Phase      `json:"phase"`
	CrashPoint        float64    `json:"crash_point"`
	CurrentMultiplier float64    `json:"current_multiplier"`
	StartTime         time.Time  `json:"start_time"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	TotalWagered      int64      `json:"total_wagered"`
	TotalPlayers      int        `json:"total_players"`
}

// RoundView is the external projection of a Round. The crash point is
// revealed only once the round has crashed.
type RoundView struct {
	ID                uint64     `json:"id"`
	Phase             Phase      `json:"phase"`
	CrashPoint        *float64   `json:"crash_point,omitempty"`
	CurrentMultiplier float64    `json:"current_multiplier"`
	StartTime         time.Time  `json:"start_time"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	TotalWagered      int64      `json:"total_wagered"`
	TotalPlayers      int        `json:"total_players"`
}

func (r *Round) view() RoundView {
	v := RoundView{
		ID:                r.ID,
		Phase:             r.Phase,
		CurrentMultiplier: r.CurrentMultiplier,
		StartTime:         r.StartTime,
		CreatedAt:         r.CreatedAt,
		CompletedAt:       r.CompletedAt,
		TotalWagered:      r.TotalWagered,
		TotalPlayers:      r.TotalPlayers,
	}
	if r.Phase == PhaseCrashed || r.Phase == PhaseCompleted {
		cp := r.CrashPoint
		v.CrashPoint = &cp
	}
	return v
}

// Config holds the round timing knobs. Tests shrink these to keep cycles
// fast.
type Config struct {
	BettingWindow time.Duration
	Countdown     time.Duration
	TickInterval  time.Duration
	RoundPause    time.Duration
	RecentRounds  int
}

func DefaultConfig() Config {
	return Config{
		BettingWindow: 5 * time.Second,
		Countdown:     3 * time.Second,
		TickInterval:  100 * time.Millisecond,
		RoundPause:    3 * time.Second,
		RecentRounds:  50,
	}
}
