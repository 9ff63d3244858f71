package engine

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
	"time"
)

// entropyFor builds an entropy buffer whose first 8 bytes scale to raw.
func entropyFor(raw float64) []byte {
	b := make([]byte, ENTROPY_BYTES)
	binary.BigEndian.PutUint64(b[:8], uint64(raw*float64(math.MaxUint64)))
	return b
}

func fixedEntropy(raw float64) EntropySource {
	return func() ([]byte, error) {
		return entropyFor(raw), nil
	}
}

func TestMapEntropy_Tiers(t *testing.T) {
	tests := []struct {
		name    string
		scaled  float64
		wantMin float64
		wantMax float64
	}{
		{"Bottom of first tier", 0.0, 1.0, 2.0},
		{"Middle of first tier", 0.25, 1.0, 2.0},
		{"Second tier", 0.65, 2.0, 3.0},
		{"Third tier", 0.90, 3.0, 10.0},
		{"Fourth tier", 0.97, 10.0, 100.0},
		{"Top tier", 0.992, 100.0, 200.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.scaled / (1.0 - HOUSE_EDGE)
			got := MapEntropy(entropyFor(raw))
			if got < tt.wantMin || got >= tt.wantMax+0.01 {
				t.Errorf("MapEntropy(scaled=%v) = %v, want in [%v, %v)", tt.scaled, got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestMapEntropy_Distribution(t *testing.T) {
	if testing.Short() {
		t.Skip("statistical test")
	}

	const draws = 200_000
	rng := rand.New(rand.NewSource(1337))

	var bands [5]int
	for i := 0; i < draws; i++ {
		var b [ENTROPY_BYTES]byte
		rng.Read(b[:])
		crash := MapEntropy(b[:])

		if crash < MIN_MULTIPLIER {
			t.Fatalf("crash point %v below 1.0", crash)
		}

		switch {
		case crash < 2.0:
			bands[0]++
		case crash < 3.0:
			bands[1]++
		case crash < 10.0:
			bands[2]++
		case crash < 100.0:
			bands[3]++
		default:
			bands[4]++
		}
	}

	// Nominal band shares 50/30/15/4/1%, shifted slightly by the house
	// edge discount.
	expected := [5]float64{0.50, 0.30, 0.15, 0.04, 0.01}
	for i, count := range bands {
		got := float64(count) / draws
		if math.Abs(got-expected[i]) > 0.01 {
			t.Errorf("band %d: got %.4f, want %.2f +/- 0.01", i, got, expected[i])
		}
	}
}

func TestGenerateCrashPoint_Deterministic(t *testing.T) {
	raw := 0.42
	e := New(fixedEntropy(raw))

	crash, err := e.GenerateCrashPoint(1)
	if err != nil {
		t.Fatalf("GenerateCrashPoint() error: %v", err)
	}

	want := MapEntropy(entropyFor(raw))
	if crash != want {
		t.Errorf("GenerateCrashPoint() = %v, want %v", crash, want)
	}

	// The recorded seed recomputes to the same crash point.
	seed, ok := e.VerifySeed(1)
	if !ok {
		t.Fatal("VerifySeed(1) not found")
	}
	recomputed, err := RecomputeCrashPoint(seed.Entropy)
	if err != nil {
		t.Fatalf("RecomputeCrashPoint() error: %v", err)
	}
	if recomputed != crash {
		t.Errorf("RecomputeCrashPoint() = %v, want %v", recomputed, crash)
	}
}

func TestSeedHistory_Eviction(t *testing.T) {
	e := New(fixedEntropy(0.5))

	total := uint64(SEED_HISTORY_SIZE + 10)
	for id := uint64(1); id <= total; id++ {
		if _, err := e.GenerateCrashPoint(id); err != nil {
			t.Fatalf("GenerateCrashPoint(%d) error: %v", id, err)
		}
	}

	// Oldest evicted, absence is not an error.
	if _, ok := e.VerifySeed(1); ok {
		t.Error("expected seed 1 to be evicted")
	}
	if _, ok := e.VerifySeed(total); !ok {
		t.Error("expected newest seed to be retained")
	}

	stats := e.Stats()
	if stats.RetainedSeeds != SEED_HISTORY_SIZE {
		t.Errorf("RetainedSeeds = %d, want %d", stats.RetainedSeeds, SEED_HISTORY_SIZE)
	}
	if stats.TotalGenerated != total {
		t.Errorf("TotalGenerated = %d, want %d", stats.TotalGenerated, total)
	}
}

func TestTrimHistory(t *testing.T) {
	e := New(fixedEntropy(0.5))
	for id := uint64(1); id <= 20; id++ {
		e.GenerateCrashPoint(id)
	}

	if evicted := e.TrimHistory(5); evicted != 15 {
		t.Errorf("TrimHistory(5) = %d, want 15", evicted)
	}
	if evicted := e.TrimHistory(5); evicted != 0 {
		t.Errorf("second TrimHistory(5) = %d, want 0", evicted)
	}
	if _, ok := e.VerifySeed(20); !ok {
		t.Error("newest seed should survive trim")
	}
}

func TestCurrentMultiplier_Monotonic(t *testing.T) {
	start := time.Now()

	prev := 0.0
	for ms := 0; ms <= 30_000; ms += 100 {
		now := start.Add(time.Duration(ms) * time.Millisecond)
		mult := CurrentMultiplier(start, now)
		if mult < prev {
			t.Fatalf("multiplier decreased: %v after %v at %dms", mult, prev, ms)
		}
		prev = mult
	}

	if got := CurrentMultiplier(start, start); got != 1.0 {
		t.Errorf("multiplier at t=0 = %v, want 1.0", got)
	}
}

func TestCurrentMultiplier_Rounding(t *testing.T) {
	start := time.Now()
	mult := CurrentMultiplier(start, start.Add(7*time.Second))
	if math.Abs(mult*100-math.Round(mult*100)) > 1e-9 {
		t.Errorf("multiplier %v not rounded to 2 decimals", mult)
	}
}

func TestTimeForMultiplier(t *testing.T) {
	tests := []struct {
		target float64
	}{
		{1.0},
		{1.5},
		{2.0},
		{10.0},
		{100.0},
	}

	start := time.Now()
	for _, tt := range tests {
		d, err := TimeForMultiplier(tt.target)
		if err != nil {
			t.Fatalf("TimeForMultiplier(%v) error: %v", tt.target, err)
		}
		got := CurrentMultiplier(start, start.Add(d))
		if math.Abs(got-tt.target) > 0.01 {
			t.Errorf("round trip for %v landed at %v", tt.target, got)
		}
	}

	if _, err := TimeForMultiplier(0.5); err == nil {
		t.Error("expected error for target below 1.0")
	}
}
