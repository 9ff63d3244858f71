package game

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	REDIS_KEY_CURRENT_ROUND = "crash:round:current"
	REDIS_KEY_NEXT_ROUND_ID = "crash:round:next_id"

	snapshotTTL     = time.Hour
	snapshotTimeout = 2 * time.Second
)

// SnapshotStore keeps the live round in Redis so a restarted process can
// re-arm the phase machine mid-cycle instead of abandoning the round.
type SnapshotStore struct {
	client *redis.Client
}

func NewSnapshotStore(client *redis.Client) *SnapshotStore {
	return &SnapshotStore{client: client}
}

func (s *SnapshotStore) Save(round *Round, nextID uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	data, err := json.Marshal(round)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, REDIS_KEY_CURRENT_ROUND, data, snapshotTTL).Err(); err != nil {
		return err
	}
	return s.client.Set(ctx, REDIS_KEY_NEXT_ROUND_ID, nextID, 0).Err()
}

// LoadCurrent returns the snapshotted round (nil if none survives) and the
// next round ordinal.
func (s *SnapshotStore) LoadCurrent() (*Round, uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	nextID, err := s.client.Get(ctx, REDIS_KEY_NEXT_ROUND_ID).Uint64()
	if err == redis.Nil {
		nextID = 1
	} else if err != nil {
		return nil, 0, err
	}

	data, err := s.client.Get(ctx, REDIS_KEY_CURRENT_ROUND).Bytes()
	if err == redis.Nil {
		return nil, nextID, nil
	}
	if err != nil {
		return nil, nextID, err
	}

	var round Round
	if err := json.Unmarshal(data, &round); err != nil {
		return nil, nextID, err
	}
	return &round, nextID, nil
}
