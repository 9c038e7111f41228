package interfaces

import "context"

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Notifier is fire-and-forget; callers log failures and carry on.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string) error
}
