package notify

import (
	"context"
	"encoding/json"
	"log"
)

// Sink receives fire-and-forget domain events after a business operation
// commits. Delivery is best-effort: a sink failure must never surface to the
// operation that emitted the event.
type Sink interface {
	Publish(ctx context.Context, event string, payload any)
}

// LogSink writes events to the process log. It stands in for the external
// notification service consumed in production.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: %s: marshal payload: %v", event, err)
		return
	}
	log.Printf("notify: %s %s", event, data)
}
