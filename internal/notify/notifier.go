// Package notify records notifications for new matches and hands them to
// delivery channels.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/metrics"
)

// Message is what a Deliverer sends.
type Message struct {
	Notification crawler.Notification
	Target       crawler.MonitoredTarget
	Items        []crawler.PersistedMatch
}

// Deliverer sends a message over one channel. Retrying is the deliverer's
// concern; the Notifier records a single outcome.
type Deliverer interface {
	Channel() crawler.Channel
	Deliver(ctx context.Context, msg Message) error
}

// NewItemsEvent is published once per batch of new matches.
type NewItemsEvent struct {
	TargetID string                   `json:"target_id"`
	Domain   string                   `json:"domain"`
	Keyword  string                   `json:"keyword"`
	Items    []crawler.PersistedMatch `json:"items"`
	FoundAt  time.Time                `json:"found_at"`
}

// Attributes are attached to the published message.
func (e NewItemsEvent) Attributes() map[string]string {
	return map[string]string{
		"event":     "new_items",
		"target_id": e.TargetID,
		"domain":    e.Domain,
	}
}

// Notifier creates one notification per enabled channel for each batch of
// new matches.
type Notifier struct {
	store      crawler.NotificationStore
	deliverers map[crawler.Channel]Deliverer
	events     crawler.Publisher
	topic      string
	ids        crawler.IDGenerator
	clock      crawler.Clock
	logger     *zap.Logger
}

// Config wires optional collaborators into a Notifier.
type Config struct {
	Deliverers []Deliverer
	Events     crawler.Publisher
	Topic      string
}

// New builds a Notifier.
func New(store crawler.NotificationStore, ids crawler.IDGenerator, clock crawler.Clock, cfg Config, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	byChannel := make(map[crawler.Channel]Deliverer, len(cfg.Deliverers))
	for _, d := range cfg.Deliverers {
		byChannel[d.Channel()] = d
	}
	return &Notifier{
		store:      store,
		deliverers: byChannel,
		events:     cfg.Events,
		topic:      cfg.Topic,
		ids:        ids,
		clock:      clock,
		logger:     logger.Named("notify"),
	}
}

// NotifyNewItems records and delivers one notification per enabled channel.
// Delivery failures are recorded as failed notifications, not returned.
func (n *Notifier) NotifyNewItems(ctx context.Context, target crawler.MonitoredTarget, items []crawler.PersistedMatch) ([]crawler.Notification, error) {
	if len(items) == 0 {
		return nil, nil
	}
	itemIDs := make([]string, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ID)
	}
	logger := n.logger.With(zap.String("target_id", target.ID), zap.String("domain", target.Domain))

	var out []crawler.Notification
	for _, ch := range target.Channels {
		recipient := target.Recipients[ch]
		if recipient == "" {
			logger.Warn("channel enabled without recipient", zap.String("channel", string(ch)))
			continue
		}
		id, err := n.ids.NewID()
		if err != nil {
			return out, fmt.Errorf("new notification id: %w", err)
		}
		note := crawler.Notification{
			ID:        id,
			TargetID:  target.ID,
			Channel:   ch,
			Recipient: recipient,
			Keyword:   target.Keyword,
			ItemIDs:   itemIDs,
			Status:    crawler.NotificationPending,
			CreatedAt: n.clock.Now(),
		}
		if err := n.store.CreateNotification(ctx, note); err != nil {
			return out, fmt.Errorf("create notification: %w", err)
		}
		if err := n.store.LinkNotificationItems(ctx, note.ID, itemIDs); err != nil {
			return out, fmt.Errorf("link notification items: %w", err)
		}

		note.Status = n.deliver(ctx, Message{Notification: note, Target: target, Items: items}, logger)
		if err := n.store.UpdateNotificationStatus(ctx, note.ID, note.Status); err != nil {
			return out, fmt.Errorf("update notification status: %w", err)
		}
		metrics.ObserveNotification(string(ch), string(note.Status))
		out = append(out, note)
	}

	n.publish(ctx, target, items, logger)
	return out, nil
}

func (n *Notifier) deliver(ctx context.Context, msg Message, logger *zap.Logger) crawler.NotificationStatus {
	d, ok := n.deliverers[msg.Notification.Channel]
	if !ok {
		logger.Warn("no deliverer for channel", zap.String("channel", string(msg.Notification.Channel)))
		return crawler.NotificationFailed
	}
	if err := d.Deliver(ctx, msg); err != nil {
		logger.Warn("delivery failed",
			zap.String("channel", string(msg.Notification.Channel)),
			zap.String("notification_id", msg.Notification.ID),
			zap.Error(err))
		return crawler.NotificationFailed
	}
	return crawler.NotificationSent
}

func (n *Notifier) publish(ctx context.Context, target crawler.MonitoredTarget, items []crawler.PersistedMatch, logger *zap.Logger) {
	if n.events == nil {
		return
	}
	event := NewItemsEvent{
		TargetID: target.ID,
		Domain:   target.Domain,
		Keyword:  target.Keyword,
		Items:    items,
		FoundAt:  n.clock.Now(),
	}
	if _, err := n.events.Publish(ctx, n.topic, event); err != nil {
		logger.Warn("publish new items event failed", zap.Error(err))
	}
}
