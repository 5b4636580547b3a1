package tasks

import "context"

// Token is the handler's view of its task: it can read the id and poll for
// cancellation, nothing more.
type Token struct {
	h *Handle
}

// ID returns the task id, or "" for the zero Token.
func (t Token) ID() string {
	if t.h == nil {
		return ""
	}
	return t.h.id
}

// ScopeID returns the task's configuration scope.
func (t Token) ScopeID() string {
	if t.h == nil {
		return ""
	}
	return t.h.scopeID
}

// IsCancelled reports whether cancellation was requested. The zero Token is
// never cancelled.
func (t Token) IsCancelled() bool {
	return t.h != nil && t.h.IsCancelled()
}

// Valid reports whether t refers to a task.
func (t Token) Valid() bool {
	return t.h != nil
}

type tokenKey struct{}

// ContextWithToken returns a new context carrying the task token.
func ContextWithToken(ctx context.Context, t Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, t)
}

// TokenFromContext extracts the task token, or the zero Token if absent.
func TokenFromContext(ctx context.Context) Token {
	if t, ok := ctx.Value(tokenKey{}).(Token); ok {
		return t
	}
	return Token{}
}

// CheckCancelled returns context.Canceled when the task in ctx was
// cancelled. Handlers call it at safe points.
func CheckCancelled(ctx context.Context) error {
	if TokenFromContext(ctx).IsCancelled() {
		return context.Canceled
	}
	return nil
}
