package appcontext

import (
	"context"
)

type APP_CONTEXT string

var (
	CorrelationKey APP_CONTEXT = "correlationId"
)

// CorrelationHeader carries the correlation id of a request.
const CorrelationHeader = "X-Correlation-Id"

func WithCorrelationId(ctx context.Context, correlationId string) context.Context {
	if correlationId == "" {
		return ctx
	}
	return context.WithValue(ctx, CorrelationKey, correlationId)
}

func CorrelationIdFromContext(ctx context.Context) (string, bool) {
	correlationId, ok := ctx.Value(CorrelationKey).(string)
	return correlationId, ok
}
