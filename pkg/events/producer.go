// Package events implements the event producer and log shipper: encoding
// and publishing lifecycle/stat events to the bus, and chunking container
// log streams into bounded bus records.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelrun/nodeagent/pkg/bus"
	"github.com/kestrelrun/nodeagent/pkg/log"
	"github.com/kestrelrun/nodeagent/pkg/metrics"
)

const (
	listKey    = "events.prodcons"
	channelKey = "events.pubsub"

	publishRetries    = 3
	publishRetryDelay = 200 * time.Millisecond
)

// envelope is the wire shape of every published event: {event_name,
// agent_id, args}.
type envelope struct {
	EventName string         `json:"event_name"`
	AgentID   string         `json:"agent_id"`
	Args      map[string]any `json:"args"`
}

// Producer encodes and publishes agent events. The two-step append-and-
// publish happens under a mutex so list ordering and channel ordering
// agree: the bus does not itself guarantee atomic pipelining across
// ListPush and Publish issued back to back from two goroutines.
type Producer struct {
	bus     bus.Bus
	agentID string

	mu sync.Mutex

	logHeartbeats bool
}

// NewProducer constructs a producer publishing as agentID.
func NewProducer(b bus.Bus, agentID string, logHeartbeats bool) *Producer {
	return &Producer{bus: b, agentID: agentID, logHeartbeats: logHeartbeats}
}

// ProduceEvent encodes {event_name, agent_id, args} and, under p.mu,
// both appends it to events.prodcons and publishes it to events.pubsub.
// Transport failures are retried with a short fixed backoff; if retries are
// exhausted the failure is logged and swallowed.
func (p *Producer) ProduceEvent(name string, args map[string]any) {
	logger := log.WithComponent("events")

	payload, err := json.Marshal(envelope{EventName: name, AgentID: p.agentID, Args: args})
	if err != nil {
		logger.Error().Err(err).Str("event", name).Msg("failed to encode event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := retry(publishRetries, publishRetryDelay, func() error {
		return p.bus.ListPush(ctx, listKey, payload, 0)
	}); err != nil {
		logger.Warn().Err(err).Str("event", name).Msg("failed to append event to prodcons list")
	}

	if err := retry(publishRetries, publishRetryDelay, func() error {
		return p.bus.Publish(ctx, channelKey, payload)
	}); err != nil {
		logger.Warn().Err(err).Str("event", name).Msg("failed to publish event")
	}

	metrics.EventsPublishedTotal.WithLabelValues(name).Inc()

	if name == "instance_heartbeat" {
		if p.logHeartbeats {
			logger.Debug().Str("event", name).Msg("produced event")
		}
		return
	}
	logger.Debug().Str("event", name).Msg("produced event")
}

// retry runs fn up to attempts times with a fixed delay between tries,
// returning the last error if all attempts fail.
func retry(attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
