// Package mcp talks to the tool service registry and the tool services
// it advertises: discovery, health, and single or batched invocation.
package mcp

import "fmt"

// ServiceKind categorizes a tool service by what it does.
type ServiceKind string

const (
	KindSearch   ServiceKind = "search"
	KindRAG      ServiceKind = "rag"
	KindSQL      ServiceKind = "sql"
	KindDNS      ServiceKind = "dns"
	KindDownload ServiceKind = "download"
	KindOther    ServiceKind = "other"
)

// Service describes one advertised tool service.
type Service struct {
	ID         string         `json:"id"`
	Host       string         `json:"host"`
	Port       int            `json:"port"`
	Kind       ServiceKind    `json:"kind"`
	ToolSchema map[string]any `json:"tool_schema,omitempty"`
}

// BaseURL returns the service's invocation base, e.g. "http://host:8041".
func (s Service) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// ToolCall is one planned invocation.
type ToolCall struct {
	ServiceID  string         `json:"service_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RawResult is the undecoded-but-parsed payload a service returned.
type RawResult struct {
	ServiceID string
	Action    string
	Payload   map[string]any
}

// BatchResult pairs one InvokeMany outcome with its originating call.
// Results come back in call order regardless of completion order.
type BatchResult struct {
	Call ToolCall
	Raw  RawResult
	Err  error
}

// HealthStatus is the registry's own health report.
type HealthStatus struct {
	Status         string `json:"status"`
	ActiveServices int    `json:"active_services"`
}
