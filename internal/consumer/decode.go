package consumer

import (
	"encoding/json"
	"fmt"

	"taskorch/internal/model"
)

func decode[T any](evt model.OutboxEvent) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(evt.Payload), &v); err != nil {
		return v, fmt.Errorf("decode %s payload %s: %w", evt.EventType, evt.EventID, err)
	}
	return v, nil
}
