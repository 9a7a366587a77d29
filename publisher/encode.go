package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/shardrelay/changelog"
)

type detail struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	Prev           map[string]any `json:"prev"`
	Curr           map[string]any `json:"curr"`
}

// EncodeDetail renders the JSON detail document of an event
func EncodeDetail(ev changelog.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(detail{
		IdempotencyKey: ev.IdempotencyKey,
		Prev:           ev.Prev.Plain(),
		Curr:           ev.Curr.Plain(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode detail of %s: %w", ev.IdempotencyKey, err)
	}
	return data, nil
}

// Encode converts a change event into a bus entry
func Encode(ev changelog.ChangeEvent) (Entry, error) {
	data, err := EncodeDetail(ev)
	if err != nil {
		return Entry{}, err
	}

	key := ev.Keys.KeyString()
	if key == "" {
		key = ev.IdempotencyKey
	}

	return Entry{
		IdempotencyKey: ev.IdempotencyKey,
		ShardID:        ev.ShardID,
		PartitionKey:   key,
		Source:         ev.Source,
		DetailType:     ev.Type,
		Detail:         data,
		Time:           ev.ApproximateCreation,
	}, nil
}
