package protocol

import (
	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/tasks"
)

// Built-in method names.
const (
	MethodInitialize = "initialize"
	MethodShutdown   = "shutdown"

	MethodCancelTask   = "task/cancelTask"
	MethodTaskStatus   = "task/status"
	MethodTaskList     = "task/list"
	MethodTaskProgress = "task/progress"
	MethodAwaitTimer   = "task/awaitTimer"

	MethodConnectionDidOpen  = "connection/didOpen"
	MethodConnectionDidClose = "connection/didClose"
	MethodConnectionStatus   = "connection/status"

	MethodDidReceiveServerEvent = "connection/didReceiveServerEvent"
)

type ClientInfo struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version,omitempty"`
}

type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Capabilities struct {
	LongRunning       []string `json:"longRunning"`
	EventQueueLimit   int      `json:"eventQueueCapacity"`
	ScopeCancellation bool     `json:"scopeCancellation"`
}

type InitializeResult struct {
	ServerInfo   ServerInfo   `json:"serverInfo"`
	Capabilities Capabilities `json:"capabilities"`
}

// TaskParams is embedded by long-running methods. The dispatcher reads it
// before the handler runs.
type TaskParams struct {
	TaskID        string `json:"taskId,omitempty"`
	ConfigScopeID string `json:"configScopeId,omitempty"`
}

type CancelTaskParams struct {
	TaskID        string `json:"taskId,omitempty" validate:"required_without=ConfigScopeID"`
	ConfigScopeID string `json:"configScopeId,omitempty" validate:"required_without=TaskID"`
}

type CancelTaskResult struct {
	Cancelled int `json:"cancelled"`
}

type TaskStatusParams struct {
	TaskID string `json:"taskId" validate:"required"`
}

type TaskListParams struct {
	ConfigScopeID   string `json:"configScopeId,omitempty"`
	IncludeTerminal bool   `json:"includeTerminal,omitempty"`
}

type TaskListResult struct {
	Tasks []tasks.Snapshot `json:"tasks"`
}

// ProgressParams is the payload of task/progress notifications.
type ProgressParams struct {
	TaskID     string `json:"taskId"`
	Percentage *int   `json:"percentage,omitempty"`
	Message    string `json:"message,omitempty"`
}

type ConnectionParams struct {
	ConnectionID string `json:"connectionId" validate:"required"`
}

type ConnectionStatusResult struct {
	events.ConnectionInfo
}

// DidReceiveServerEventParams is the payload of the outbound push.
type DidReceiveServerEventParams struct {
	ConnectionID string             `json:"connectionId"`
	Event        events.ServerEvent `json:"serverEvent"`
}

type DidCloseResult struct {
	Closed bool `json:"closed"`
}

// AwaitTimerParams drives the task/awaitTimer diagnostic task.
type AwaitTimerParams struct {
	TaskParams
	DurationMs int `json:"durationMs" validate:"gte=0,lte=3600000"`
	Steps      int `json:"steps,omitempty" validate:"gte=0,lte=100"`
}

type AwaitTimerResult struct {
	ElapsedMs int64 `json:"elapsedMs"`
	Steps     int   `json:"steps"`
}
