package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPRecorder_EmitsEvents(t *testing.T) {
	received := make(chan event, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e event
		json.NewDecoder(r.Body).Decode(&e)
		received <- e
	}))
	defer srv.Close()

	rec := NewHTTPRecorder(srv.URL)
	rec.RecordBetPlaced("alice", "bet-1", 1_000_000)
	rec.RecordBetWon("alice", 1_000_000, 2_000_000, 2.0)
	rec.RecordBetLost("bob", 500_000)

	types := make(map[string]event)
	for i := 0; i < 3; i++ {
		select {
		case e := <-received:
			types[e.Type] = e
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 events arrived", i)
		}
	}

	if e := types["bet_placed"]; e.UserID != "alice" || e.BetID != "bet-1" || e.Amount != 1_000_000 {
		t.Errorf("bet_placed = %+v", e)
	}
	if e := types["bet_won"]; e.Payout != 2_000_000 || e.Multiplier != 2.0 {
		t.Errorf("bet_won = %+v", e)
	}
	if e := types["bet_lost"]; e.UserID != "bob" {
		t.Errorf("bet_lost = %+v", e)
	}
}

// An unreachable aggregator must not block or panic the caller.
func TestHTTPRecorder_UnreachableAggregator(t *testing.T) {
	rec := NewHTTPRecorder("http://127.0.0.1:1")

	done := make(chan struct{})
	go func() {
		rec.RecordBetLost("alice", 100)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordBetLost blocked on unreachable aggregator")
	}
}
