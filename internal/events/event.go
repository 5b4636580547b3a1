// Package events routes asynchronous server events from upstream connections
// to the client, one ordered delivery sequence per connection.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags a ServerEvent variant.
type EventType string

const (
	EventIssueChanged       EventType = "issue.changed"
	EventRuleSetChanged     EventType = "ruleset.changed"
	EventAnalysisReady      EventType = "analysis.ready"
	EventServerNotification EventType = "server.notification"
)

// ServerEvent is one push event produced by an upstream connection. It is
// consumed once.
type ServerEvent struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connectionId"`
	Type         EventType       `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NewServerEvent creates an event with a fresh id and the current timestamp.
func NewServerEvent(connectionID string, eventType EventType, payload json.RawMessage) ServerEvent {
	return ServerEvent{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Type:         eventType,
		Timestamp:    time.Now(),
		Payload:      payload,
	}
}

// Payload is implemented by the typed event variants.
type Payload interface {
	EventType() EventType
}

type IssueChangedPayload struct {
	IssueKey   string `json:"issueKey"`
	ProjectKey string `json:"projectKey,omitempty"`
	Resolved   bool   `json:"resolved"`
	Severity   string `json:"severity,omitempty"`
}

func (IssueChangedPayload) EventType() EventType { return EventIssueChanged }

type RuleSetChangedPayload struct {
	ProjectKey       string   `json:"projectKey"`
	ActivatedRules   []string `json:"activatedRules,omitempty"`
	DeactivatedRules []string `json:"deactivatedRules,omitempty"`
}

func (RuleSetChangedPayload) EventType() EventType { return EventRuleSetChanged }

type AnalysisReadyPayload struct {
	ConfigScopeID string `json:"configScopeId"`
}

func (AnalysisReadyPayload) EventType() EventType { return EventAnalysisReady }

type ServerNotificationPayload struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Link     string `json:"link,omitempty"`
}

func (ServerNotificationPayload) EventType() EventType { return EventServerNotification }

// NewTypedEvent builds a ServerEvent from a typed payload.
func NewTypedEvent(connectionID string, p Payload) (ServerEvent, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return ServerEvent{}, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return NewServerEvent(connectionID, p.EventType(), data), nil
}

// ExtractPayload decodes the payload of e into T. It fails when e is not of
// T's variant.
func ExtractPayload[T Payload](e ServerEvent) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	if err := json.Unmarshal(e.Payload, &result); err != nil {
		return result, false
	}
	return result, true
}
