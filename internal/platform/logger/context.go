package logger

import "context"

type contextKey struct{}

// LogFields are attached to every record logged with a context that carries them.
type LogFields struct {
	Component string // e.g. "messaging.consumer"
	Topic     string
	EventName string
	EventID   string
	EntityID  string // StableID the message is keyed by
	ActorID   string // StableID of the authenticated caller
}

// WithLogFields merges fields into ctx; non-empty values win over existing ones.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, contextKey{}, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(contextKey{}).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.Component != "" {
		result.Component = next.Component
	}
	if next.Topic != "" {
		result.Topic = next.Topic
	}
	if next.EventName != "" {
		result.EventName = next.EventName
	}
	if next.EventID != "" {
		result.EventID = next.EventID
	}
	if next.EntityID != "" {
		result.EntityID = next.EntityID
	}
	if next.ActorID != "" {
		result.ActorID = next.ActorID
	}
	return result
}
