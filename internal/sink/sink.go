// Package sink forwards hub events to message brokers. Each sink is a
// broadcast.Handler, so it runs on its own subscriber goroutine and a slow
// broker only costs that sink its queued events.
package sink

import (
	"encoding/json"
	"fmt"

	"github.com/vesaa/cloudmetrics/internal/broadcast"
)

// encode renders ev exactly as websocket clients receive it.
func encode(ev broadcast.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Kind, err)
	}
	return b, nil
}
