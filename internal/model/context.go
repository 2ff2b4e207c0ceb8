package model

import "context"

// ContextManager carries the calling application origin through request
// contexts.
type ContextManager interface {
	SetOriginToContext(ctx context.Context, origin string) context.Context
	GetOriginFromContext(ctx context.Context) (string, bool)
}
