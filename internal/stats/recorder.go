package stats

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Recorder receives settled-outcome notifications for the external
// leaderboard aggregator. Calls are fire-and-forget: a failing aggregator
// must never block or roll back round progression.
type Recorder interface {
	RecordBetPlaced(userID, betID string, amount int64)
	RecordBetWon(userID string, amount, payout int64, multiplier float64)
	RecordBetLost(userID string, amount int64)
}

type event struct {
	Type       string  `json:"type"`
	UserID     string  `json:"user_id"`
	BetID      string  `json:"bet_id,omitempty"`
	Amount     int64   `json:"amount"`
	Payout     int64   `json:"payout,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

// HTTPRecorder posts events to the aggregator endpoint from a background
// goroutine per event.
type HTTPRecorder struct {
	url    string
	client *http.Client
}

func NewHTTPRecorder(url string) *HTTPRecorder {
	return &HTTPRecorder{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *HTTPRecorder) RecordBetPlaced(userID, betID string, amount int64) {
	r.emit(event{Type: "bet_placed", UserID: userID, BetID: betID, Amount: amount})
}

func (r *HTTPRecorder) RecordBetWon(userID string, amount, payout int64, multiplier float64) {
	r.emit(event{Type: "bet_won", UserID: userID, Amount: amount, Payout: payout, Multiplier: multiplier})
}

func (r *HTTPRecorder) RecordBetLost(userID string, amount int64) {
	r.emit(event{Type: "bet_lost", UserID: userID, Amount: amount})
}

func (r *HTTPRecorder) emit(e event) {
	go func() {
		payload, err := json.Marshal(e)
		if err != nil {
			log.Printf("[STATS] Marshal %s event: %v", e.Type, err)
			return
		}
		resp, err := r.client.Post(r.url, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Printf("[STATS] Aggregator unreachable, dropping %s event: %v", e.Type, err)
			return
		}
		resp.Body.Close()
	}()
}

// Noop discards all events; used when no aggregator is configured and in
// tests.
type Noop struct{}

func (Noop) RecordBetPlaced(string, string, int64)      {}
func (Noop) RecordBetWon(string, int64, int64, float64) {}
func (Noop) RecordBetLost(string, int64)                {}
