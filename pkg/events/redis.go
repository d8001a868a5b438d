package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/acecore/pkg/log"
)

// wireEvent is the canonical JSON encoding published on the Redis channel
// named after the event, matching ace/system/redis/events.py's
// Event.json(encoder=custom_json_encoder)/Event.parse_raw round trip.
type wireEvent struct {
	Name      Name              `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	RootUUID  string            `json:"root_uuid,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	AMT       string            `json:"amt,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

func toWire(e Event) wireEvent {
	return wireEvent{
		Name: e.Name, Timestamp: e.Timestamp,
		RootUUID: e.RootUUID, RequestID: e.RequestID, AMT: e.AMT, Data: e.Data,
	}
}

func (w wireEvent) toEvent() Event {
	return Event{
		Name: w.Name, Timestamp: w.Timestamp,
		RootUUID: w.RootUUID, RequestID: w.RequestID, AMT: w.AMT, Data: w.Data,
	}
}

// RedisBroker distributes events across processes: Fire publishes the
// canonical JSON encoding of an event on a channel named after its Name;
// a background subscription re-parses received payloads and dispatches
// them through the same local Broker, so local and remote subscribers see
// identical shapes (§4.7 "distributed deployment" paragraph). Grounded on
// ace/system/redis/events.py's RedisEventInterface.
type RedisBroker struct {
	*Broker

	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pubsub     *redis.PubSub
	subscribed map[Name]bool
	logger     zerolog.Logger
}

// NewRedisBroker connects to url (a redis:// connection string) and wraps
// local with distributed publish/subscribe.
func NewRedisBroker(url string, local *Broker) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBroker{
		Broker:     local,
		client:     client,
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(map[Name]bool),
		pubsub:     client.Subscribe(ctx),
		logger:     log.WithComponent("events.redis"),
	}
	go rb.run()
	return rb, nil
}

// RegisterHandler subscribes handler locally and, on first subscriber for
// name, joins the Redis channel so remote Fire calls reach it too.
func (rb *RedisBroker) RegisterHandler(name Name, handler Handler) {
	rb.Broker.RegisterHandler(name, handler)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.subscribed[name] {
		return
	}
	if err := rb.pubsub.Subscribe(rb.ctx, string(name)); err != nil {
		return
	}
	rb.subscribed[name] = true
}

// Fire publishes event to Redis in addition to firing it on the wrapped
// local Broker for any same-process subscribers.
func (rb *RedisBroker) Fire(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	rb.Broker.Fire(event)

	payload, err := json.Marshal(toWire(event))
	if err != nil {
		return
	}
	if err := rb.client.Publish(rb.ctx, string(event.Name), payload).Err(); err != nil {
		rb.logger.Error().Err(err).Str("event", string(event.Name)).Msg("failed to publish event to redis")
	}
}

// run drains the subscription, dispatching remote events onto the local
// Broker exactly as a local Fire would. Events this process itself
// published are delivered twice locally (once synchronously by Fire, once
// here on receipt); handlers are expected to be idempotent per §5's
// at-least-once delivery guarantee.
func (rb *RedisBroker) run() {
	ch := rb.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				continue
			}
			if string(w.Name) != msg.Channel {
				continue
			}
			for _, h := range rb.Broker.GetHandlers(w.Name) {
				deliver(h, w.toEvent())
			}
		case <-rb.ctx.Done():
			return
		}
	}
}

// Close stops the subscription loop and closes the Redis connection.
func (rb *RedisBroker) Close() error {
	rb.cancel()
	_ = rb.pubsub.Close()
	return rb.client.Close()
}
