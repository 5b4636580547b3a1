// Package dispatch executes inbound protocol messages: it classifies each
// method, tracks long-running requests in the task registry and turns
// handler failures into error envelopes.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dohr-michael/tether/internal/protocol"
	"github.com/dohr-michael/tether/internal/rpcerr"
	"github.com/dohr-michael/tether/internal/tasks"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Session is the reply path of one client.
type Session interface {
	ID() string
	Send(ctx context.Context, msg protocol.Message) error
}

// Handler executes one method.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call is one inbound request or notification.
type Call struct {
	Method  string
	ID      json.RawMessage
	Params  json.RawMessage
	Session Session

	// Task is valid only for long-running methods.
	Task tasks.Token
}

// IsNotification reports whether the caller expects no response.
func (c *Call) IsNotification() bool {
	return len(c.ID) == 0
}

// Decode unmarshals the params into v.
func (c *Call) Decode(v any) error {
	return protocol.Message{Params: c.Params}.DecodeParams(v)
}

// Bind decodes the params into v and validates its struct tags.
func (c *Call) Bind(v any) error {
	if err := c.Decode(v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return validationFailure(err)
	}
	return nil
}

func validationFailure(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return rpcerr.InvalidParams("%v", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return rpcerr.InvalidParams("invalid fields: %s", strings.Join(fields, ", ")).
		WithData(map[string]any{"fields": fields})
}
