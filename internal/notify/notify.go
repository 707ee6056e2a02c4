// Package notify carries user-facing lifecycle messages to the delivery
// channel. Delivery is fire-and-forget: a failed publish is logged and never
// surfaces into job status.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Notifier is the delivery-channel capability contract.
type Notifier interface {
	Publish(ctx context.Context, tenantID, message string) error
}

// Event is one job lifecycle notification. Stage 1 is the acknowledgment sent
// when a worker picks the job up; Stage 2 reports the final outcome.
type Event struct {
	TenantID  string    `json:"tenant_id"`
	JobID     string    `json:"job_id"`
	Stage     int       `json:"stage"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisNotifier publishes messages on per-tenant pub/sub channels.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func tenantChannel(tenantID string) string {
	return fmt.Sprintf("notify:tenant:%s", tenantID)
}

func (n *RedisNotifier) Publish(ctx context.Context, tenantID, message string) error {
	return n.client.Publish(ctx, tenantChannel(tenantID), message).Err()
}

// Dispatcher drains lifecycle events from the orchestrator's channel and hands
// them to the Notifier. Keeping delivery on its own goroutine means a slow or
// failing gateway never blocks a status transition.
type Dispatcher struct {
	events   <-chan Event
	notifier Notifier
	log      *logrus.Logger
}

func NewDispatcher(events <-chan Event, notifier Notifier, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{events: events, notifier: notifier, log: log}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				d.log.WithError(err).Warn("marshal lifecycle event")
				continue
			}
			if err := d.notifier.Publish(ctx, ev.TenantID, string(payload)); err != nil {
				d.log.WithFields(logrus.Fields{
					"tenant_id": ev.TenantID,
					"job_id":    ev.JobID,
					"stage":     ev.Stage,
				}).WithError(err).Warn("notification delivery failed")
			}
		}
	}
}
