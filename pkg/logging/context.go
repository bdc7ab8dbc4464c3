package logging

import (
	"context"
)

type ctxKey string

const (
	TraceIDKey     ctxKey = "trace_id"
	MessageIDKey   ctxKey = "message_id"
	ServiceNameKey ctxKey = "service_name"
	AccountIDKey   ctxKey = "account_id"
	ChannelKey     ctxKey = "channel"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

func value(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string     { return value(ctx, TraceIDKey) }
func GetMessageID(ctx context.Context) string   { return value(ctx, MessageIDKey) }
func GetServiceName(ctx context.Context) string { return value(ctx, ServiceNameKey) }
func GetAccountID(ctx context.Context) string   { return value(ctx, AccountIDKey) }
func GetChannel(ctx context.Context) string     { return value(ctx, ChannelKey) }

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	for _, key := range []ctxKey{TraceIDKey, MessageIDKey, ServiceNameKey, AccountIDKey, ChannelKey} {
		if v := value(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}

	return fields
}
