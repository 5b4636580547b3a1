package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Envelope is the wire representation of a failure.
type Envelope struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Envelope) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Translator converts internal failures into envelopes. It is total: every
// error yields an envelope and Translate never panics.
type Translator struct {
	log *slog.Logger
}

// NewTranslator creates a Translator logging unmapped failures to log
// (slog.Default when nil).
func NewTranslator(log *slog.Logger) *Translator {
	if log == nil {
		log = slog.Default()
	}
	return &Translator{log: log}
}

var defaultTranslator = NewTranslator(nil)

// Translate converts err with the default translator.
func Translate(err error) *Envelope {
	return defaultTranslator.Translate(err)
}

// Translate maps err to its envelope. A nil error maps to nil.
func (t *Translator) Translate(err error) *Envelope {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return envelopeFor(f)
	}

	var p *PanicError
	if errors.As(err, &p) {
		t.log.Error("handler panic", "panic", p.Value, "stack", string(p.Stack))
		return &Envelope{Code: CodeInternalError, Message: "internal error"}
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return &Envelope{Code: CodeHTTPRequestTimeout, Message: fmt.Sprintf("request to %s timed out", redactURL(ue.URL))}
		}
		return &Envelope{Code: CodeHTTPRequestFailed, Message: fmt.Sprintf("request to %s failed", redactURL(ue.URL))}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Envelope{Code: CodeTaskExecutionTimeout, Message: "task execution timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return &Envelope{Code: CodeRequestCancelled, Message: "request cancelled"}
	}

	// Taxonomy gap: keep the text, drop the structure.
	t.log.Warn("unmapped failure", "type", fmt.Sprintf("%T", err), "error", err)
	return &Envelope{
		Code:    CodeInternalError,
		Message: firstLine(err.Error()),
	}
}

func envelopeFor(f *Failure) *Envelope {
	env := &Envelope{
		Code:    f.Kind.Code(),
		Message: f.Error(),
		Data:    f.Data,
	}
	if f.Kind.sharesCode() && env.Data == nil {
		env.Data = map[string]string{"kind": f.Kind.String()}
	}
	return env
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// redactURL strips credentials and the query string.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "upstream"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
