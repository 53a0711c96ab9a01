// Package agent provides the role-specialized agents that execute
// workflow steps. Agents are expensive to construct (prompt assembly,
// model binding), which is why the pool in pkg/agentpool reuses them
// across executions of the same squad.
package agent

import "context"

// Role of a message in an agent conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation history passed to an agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the agent's answer to one step invocation.
type Response struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
}

// TokenUsage aggregates token consumption for one model call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Agent processes one step's message against the conversation so far.
// Implementations must be safe for sequential reuse across executions;
// the pool guarantees at most one Process call at a time per instance.
type Agent interface {
	// Process runs one model call. ctx carries the step timeout and the
	// execution's cancellation signal.
	Process(ctx context.Context, message string, history []Message) (*Response, error)

	// Role returns the squad role this agent plays.
	Role() string
}
