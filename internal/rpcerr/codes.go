// Package rpcerr maps backend failures onto the closed, wire-stable error
// taxonomy reported to UI clients.
package rpcerr

import "fmt"

// Code is a wire error code. Domain codes are small negative integers;
// protocol codes follow JSON-RPC 2.0 and LSP.
type Code int

// Domain codes. Assigned values are never reused or renumbered.
const (
	CodeConnectionNotFound        Code = -1
	CodeConfigScopeNotFound       Code = -2
	CodeRuleNotFound              Code = -3
	CodeBackendAlreadyInitialized Code = -4
	CodeIssueNotFound             Code = -5
	CodeConfigScopeNotBound       Code = -6
	CodeHTTPRequestTimeout        Code = -7
	CodeHTTPRequestFailed         Code = -8
	CodeTaskExecutionTimeout      Code = -9
)

// Protocol codes.
const (
	CodeParseError       Code = -32700
	CodeInvalidRequest   Code = -32600
	CodeMethodNotFound   Code = -32601
	CodeInvalidParams    Code = -32602
	CodeInternalError    Code = -32603
	CodeRequestCancelled Code = -32800
)

// The domain range is [DomainMin, -1]. Codes between LastAssigned and
// DomainMin are reserved for additive evolution.
const (
	DomainMin    Code = -99
	LastAssigned Code = CodeTaskExecutionTimeout
)

// IsDomain reports whether c lies in the domain range.
func (c Code) IsDomain() bool {
	return c <= -1 && c >= DomainMin
}

// IsReserved reports whether c is in the domain range but not yet assigned.
func (c Code) IsReserved() bool {
	return c.IsDomain() && c < LastAssigned
}

// Kind is the failure category a Code is derived from.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionNotFound
	KindConfigScopeNotFound
	KindRuleNotFound
	KindBackendAlreadyInitialized
	KindIssueNotFound
	KindConfigScopeNotBound
	KindHTTPRequestTimeout
	KindHTTPRequestFailed
	KindTaskExecutionTimeout

	// Protocol invariant violations.
	KindDuplicateTaskID
	KindDuplicateConnection

	// Envelope-level failures.
	KindParseError
	KindInvalidRequest
	KindMethodNotFound
	KindInvalidParams
	KindCancelled
)

type kindInfo struct {
	name string
	code Code
}

var kinds = map[Kind]kindInfo{
	KindUnknown:                   {"Unknown", CodeInternalError},
	KindConnectionNotFound:        {"ConnectionNotFound", CodeConnectionNotFound},
	KindConfigScopeNotFound:       {"ConfigScopeNotFound", CodeConfigScopeNotFound},
	KindRuleNotFound:              {"RuleNotFound", CodeRuleNotFound},
	KindBackendAlreadyInitialized: {"BackendAlreadyInitialized", CodeBackendAlreadyInitialized},
	KindIssueNotFound:             {"IssueNotFound", CodeIssueNotFound},
	KindConfigScopeNotBound:       {"ConfigScopeNotBound", CodeConfigScopeNotBound},
	KindHTTPRequestTimeout:        {"HttpRequestTimeout", CodeHTTPRequestTimeout},
	KindHTTPRequestFailed:         {"HttpRequestFailed", CodeHTTPRequestFailed},
	KindTaskExecutionTimeout:      {"TaskExecutionTimeout", CodeTaskExecutionTimeout},
	KindDuplicateTaskID:           {"DuplicateTaskId", CodeInvalidRequest},
	KindDuplicateConnection:       {"DuplicateConnection", CodeInvalidRequest},
	KindParseError:                {"ParseError", CodeParseError},
	KindInvalidRequest:            {"InvalidRequest", CodeInvalidRequest},
	KindMethodNotFound:            {"MethodNotFound", CodeMethodNotFound},
	KindInvalidParams:             {"InvalidParams", CodeInvalidParams},
	KindCancelled:                 {"RequestCancelled", CodeRequestCancelled},
}

// String returns the category name used in logs and envelope data.
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code returns the wire code for k. Unregistered kinds map to the
// internal error code.
func (k Kind) Code() Code {
	if info, ok := kinds[k]; ok {
		return info.code
	}
	return CodeInternalError
}

// sharesCode reports whether k is reported under a code that several
// kinds use, in which case the envelope carries the kind in its data.
func (k Kind) sharesCode() bool {
	return k == KindDuplicateTaskID || k == KindDuplicateConnection
}
