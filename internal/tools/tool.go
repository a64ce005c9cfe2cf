// Package tools defines the Tool interface, parameter validation, and the
// executing registry with caching, deduplication, and bounded parallelism.
package tools

import "context"

// Meta describes a tool's execution policy.
type Meta struct {
	// Cacheable enables result caching keyed by a fingerprint of the call.
	Cacheable bool
	// CacheTTLSeconds bounds a cached result's lifetime. Zero means the
	// registry default applies.
	CacheTTLSeconds int
	// MaxRetries re-runs the tool on retryable failures.
	MaxRetries int
	// TimeoutSeconds bounds one execution attempt. Zero means the registry
	// default applies.
	TimeoutSeconds int
	// ParallelSafe marks tools whose calls may run concurrently.
	ParallelSafe bool
}

// Tool is a capability the agent can invoke through LLM function calls.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema describing the arguments.
	Parameters() map[string]any
	Meta() Meta
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToSchema converts a tool to OpenAI function-calling format.
func ToSchema(t Tool) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Parameters(),
		},
	}
}
