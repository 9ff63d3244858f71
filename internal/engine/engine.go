package engine

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 200.00
	HOUSE_EDGE     = 0.005
	GROWTH_RATE    = 0.08

	ENTROPY_BYTES     = 32
	SEED_HISTORY_SIZE = 100
)

var ErrInvalidMultiplier = errors.New("multiplier must be >= 1.0")

// EntropySource returns a fixed-length unpredictable byte string.
// The default draws from crypto/rand; tests inject deterministic sources.
type EntropySource func() ([]byte, error)

func CryptoEntropy() ([]byte, error) {
	b := make([]byte, ENTROPY_BYTES)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("entropy read: %w", err)
	}
	return b, nil
}

// SeedRecord retains the entropy used for a round so players can recompute
// the crash point after the fact.
type SeedRecord struct {
	RoundID uint64 `json:"round_id"`
	Entropy string `json:"entropy"`
}

type GenerationStats struct {
	TotalGenerated uint64  `json:"total_generated"`
	Highest        float64 `json:"highest"`
	Lowest         float64 `json:"lowest"`
	RetainedSeeds  int     `json:"retained_seeds"`
}

// Engine produces committed crash points and the time/multiplier mapping.
// Stateless except for a bounded ring of recent seeds.
type Engine struct {
	entropy EntropySource

	mu      sync.Mutex
	seeds   []SeedRecord // oldest first, capped at capacity
	cap     int
	stats   GenerationStats
}

func New(entropy EntropySource) *Engine {
	if entropy == nil {
		entropy = CryptoEntropy
	}
	return &Engine{
		entropy: entropy,
		seeds:   make([]SeedRecord, 0, SEED_HISTORY_SIZE),
		cap:     SEED_HISTORY_SIZE,
	}
}

// GenerateCrashPoint draws fresh entropy, records it against roundID, and
// maps it deterministically to a crash multiplier.
func (e *Engine) GenerateCrashPoint(roundID uint64) (float64, error) {
	raw, err := e.entropy()
	if err != nil {
		return 0, err
	}

	crash := MapEntropy(raw)

	e.mu.Lock()
	if len(e.seeds) >= e.cap {
		e.seeds = e.seeds[1:]
	}
	e.seeds = append(e.seeds, SeedRecord{RoundID: roundID, Entropy: hex.EncodeToString(raw)})
	e.stats.TotalGenerated++
	e.stats.RetainedSeeds = len(e.seeds)
	if crash > e.stats.Highest {
		e.stats.Highest = crash
	}
	if e.stats.Lowest == 0 || crash < e.stats.Lowest {
		e.stats.Lowest = crash
	}
	e.mu.Unlock()

	log.Printf("[ENGINE] Round %d crash point %.2fx (committed)", roundID, crash)
	return crash, nil
}

// MapEntropy converts an entropy string to a crash multiplier. The first
// 8 bytes scale to [0,1), the house edge discounts that value, and a tiered
// piecewise-linear map fixes the band probabilities:
//
//	[0, 0.50)    -> [1x, 2x)     ~50%
//	[0.50, 0.80) -> [2x, 3x)     ~30%
//	[0.80, 0.95) -> [3x, 10x)    ~15%
//	[0.95, 0.99) -> [10x, 100x)  ~4%
//	[0.99, 1.0)  -> [100x, 200x) ~1%
//
// Anyone holding the recorded entropy can recompute the same value.
func MapEntropy(entropy []byte) float64 {
	raw := float64(binary.BigEndian.Uint64(entropy[:8])) / math.MaxUint64
	scaled := raw * (1.0 - HOUSE_EDGE)

	var mult float64
	switch {
	case scaled < 0.50:
		mult = 1.0 + scaled*2.0
	case scaled < 0.80:
		mult = 2.0 + (scaled-0.50)*3.33
	case scaled < 0.95:
		mult = 3.0 + (scaled-0.80)*46.67
	case scaled < 0.99:
		mult = 10.0 + (scaled-0.95)*2250.0
	default:
		mult = 100.0 + (scaled-0.99)*10000.0
	}

	mult = round2(mult)
	if mult < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	if mult > MAX_MULTIPLIER {
		return MAX_MULTIPLIER
	}
	return mult
}

// VerifySeed returns the recorded entropy for a round, if still retained.
// Absence after eviction is expected, not an error.
func (e *Engine) VerifySeed(roundID uint64) (SeedRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.seeds) - 1; i >= 0; i-- {
		if e.seeds[i].RoundID == roundID {
			return e.seeds[i], true
		}
	}
	return SeedRecord{}, false
}

// RecomputeCrashPoint re-derives the crash point from hex entropy so a
// player can audit a finished round.
func RecomputeCrashPoint(entropyHex string) (float64, error) {
	raw, err := hex.DecodeString(entropyHex)
	if err != nil {
		return 0, fmt.Errorf("decode entropy: %w", err)
	}
	if len(raw) < 8 {
		return 0, errors.New("entropy too short")
	}
	return MapEntropy(raw), nil
}

// CurrentMultiplier returns the displayed multiplier for elapsed time,
// rounded to 2 decimals. Clients and settlement both rely on this rounding.
func CurrentMultiplier(startTime, now time.Time) float64 {
	elapsed := now.Sub(startTime).Seconds()
	if elapsed <= 0 {
		return MIN_MULTIPLIER
	}
	return round2(math.Exp(GROWTH_RATE * elapsed))
}

// TimeForMultiplier inverts the growth curve, used to fire auto-cashouts at
// the exact instant a target is reached instead of waiting for the next tick.
func TimeForMultiplier(target float64) (time.Duration, error) {
	if target < MIN_MULTIPLIER {
		return 0, ErrInvalidMultiplier
	}
	secs := math.Log(target) / GROWTH_RATE
	return time.Duration(secs * float64(time.Second)), nil
}

func (e *Engine) Stats() GenerationStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.RetainedSeeds = len(e.seeds)
	return s
}

// TrimHistory drops the oldest records until at most keep remain, returning
// how many were evicted.
func (e *Engine) TrimHistory(keep int) int {
	if keep < 0 {
		keep = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.seeds) <= keep {
		return 0
	}
	evicted := len(e.seeds) - keep
	e.seeds = append(e.seeds[:0:0], e.seeds[evicted:]...)
	e.stats.RetainedSeeds = len(e.seeds)
	log.Printf("[ENGINE] Trimmed %d seed records (%d retained)", evicted, len(e.seeds))
	return evicted
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
