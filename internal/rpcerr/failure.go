package rpcerr

import (
	"fmt"
	"runtime/debug"
)

// Failure is a categorized backend failure. Handlers return it (or wrap it)
// to choose the code reported to the client.
type Failure struct {
	Kind    Kind
	Message string
	Data    any
	cause   error
}

// Sentinels for errors.Is comparisons. They match any Failure of the same kind.
var (
	ErrConnectionNotFound        = &Failure{Kind: KindConnectionNotFound}
	ErrConfigScopeNotFound       = &Failure{Kind: KindConfigScopeNotFound}
	ErrRuleNotFound              = &Failure{Kind: KindRuleNotFound}
	ErrBackendAlreadyInitialized = &Failure{Kind: KindBackendAlreadyInitialized}
	ErrIssueNotFound             = &Failure{Kind: KindIssueNotFound}
	ErrConfigScopeNotBound       = &Failure{Kind: KindConfigScopeNotBound}
	ErrHTTPRequestTimeout        = &Failure{Kind: KindHTTPRequestTimeout}
	ErrHTTPRequestFailed         = &Failure{Kind: KindHTTPRequestFailed}
	ErrTaskExecutionTimeout      = &Failure{Kind: KindTaskExecutionTimeout}
	ErrDuplicateTaskID           = &Failure{Kind: KindDuplicateTaskID}
	ErrDuplicateConnection       = &Failure{Kind: KindDuplicateConnection}
	ErrInvalidParams             = &Failure{Kind: KindInvalidParams}
	ErrMethodNotFound            = &Failure{Kind: KindMethodNotFound}
	ErrCancelled                 = &Failure{Kind: KindCancelled}
)

// New creates a Failure of the given kind.
func New(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorizes err under kind, keeping err reachable through Unwrap.
func Wrap(kind Kind, err error, msg string) *Failure {
	m := msg
	if err != nil {
		m = msg + ": " + err.Error()
	}
	return &Failure{Kind: kind, Message: m, cause: err}
}

// WithData returns a copy of f carrying data in its envelope.
func (f *Failure) WithData(data any) *Failure {
	c := *f
	c.Data = data
	return &c
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Kind.String()
	}
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.cause
}

// Is matches another Failure with the same kind, so sentinels work with
// errors.Is regardless of message text.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind
}

// ConnectionNotFound reports an unknown connection id.
func ConnectionNotFound(connectionID string) *Failure {
	return New(KindConnectionNotFound, "connection %q not found", connectionID).
		WithData(map[string]string{"connectionId": connectionID})
}

// ConfigScopeNotFound reports an unknown configuration scope.
func ConfigScopeNotFound(scopeID string) *Failure {
	return New(KindConfigScopeNotFound, "configuration scope %q not found", scopeID).
		WithData(map[string]string{"configScopeId": scopeID})
}

// ConfigScopeNotBound reports a scope that has no binding.
func ConfigScopeNotBound(scopeID string) *Failure {
	return New(KindConfigScopeNotBound, "configuration scope %q is not bound", scopeID).
		WithData(map[string]string{"configScopeId": scopeID})
}

// RuleNotFound reports an unknown rule key.
func RuleNotFound(ruleKey string) *Failure {
	return New(KindRuleNotFound, "rule %q not found", ruleKey)
}

// IssueNotFound reports an unknown issue id.
func IssueNotFound(issueID string) *Failure {
	return New(KindIssueNotFound, "issue %q not found", issueID)
}

// InvalidParams reports malformed or missing request parameters.
func InvalidParams(format string, args ...any) *Failure {
	return New(KindInvalidParams, format, args...)
}

// PanicError carries a value recovered from a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

// Recovered wraps a recovered panic value with the current stack.
func Recovered(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}
