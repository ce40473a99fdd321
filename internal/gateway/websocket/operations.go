package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events/bus"
	ws "github.com/gregory-lime/jacques-context-manager-sub007/pkg/websocket"
)

// OperationBroadcaster relays archive and transcript events from the bus to
// every dashboard as diagnostic operation frames. These frames are opaque
// to the session stream; dashboards use them for activity logs.
type OperationBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterOperationNotifications subscribes the hub to the operation
// subjects and returns the broadcaster, which closes with ctx.
func RegisterOperationNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *OperationBroadcaster {
	b := &OperationBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_operation_broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.ConversationArchived)
	b.subscribe(eventBus, events.PlanLinked)
	b.subscribe(eventBus, events.BuildTranscriptChangedWildcardSubject())

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

func (b *OperationBroadcaster) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(ws.ActionOperation, map[string]interface{}{
			"operation": event.Type,
			"source":    event.Source,
			"data":      event.Data,
		})
		if err != nil {
			return err
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to subscribe to subject",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// Close unsubscribes from every subject.
func (b *OperationBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}
