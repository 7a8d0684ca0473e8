package ports

import "context"

// EventPublisher fans out notifications about stored and swept artifacts.
// Publishing is best effort; callers log failures and carry on.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

const (
	TopicStored = "stored"
	TopicSwept  = "swept"
)
