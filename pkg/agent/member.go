package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/squadron/pkg/models"
)

// memberAgent is an Agent bound to one squad member: its system prompt
// and model selection are fixed at construction.
type memberAgent struct {
	role         string
	model        string
	systemPrompt string
	client       *LLMClient
}

// Process sends the assembled conversation to the model.
func (a *memberAgent) Process(ctx context.Context, message string, history []Message) (*Response, error) {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: a.systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: message})

	resp, err := a.client.Complete(ctx, a.model, messages)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.role, err)
	}
	return resp, nil
}

func (a *memberAgent) Role() string {
	return a.role
}

// Factory constructs agents from squad member definitions. The pool calls
// it on misses.
type Factory struct {
	client *LLMClient
}

// NewFactory creates the agent factory over a shared model client.
func NewFactory(client *LLMClient) *Factory {
	return &Factory{client: client}
}

// Build creates an agent for a squad member. Members without a system
// prompt get a minimal role-derived one so every agent has an identity.
func (f *Factory) Build(member *models.SquadMember) (Agent, error) {
	if member == nil {
		return nil, fmt.Errorf("squad member must not be nil")
	}
	if member.Role == "" {
		return nil, fmt.Errorf("squad member has no role")
	}

	prompt := strings.TrimSpace(member.SystemPrompt)
	if prompt == "" {
		prompt = defaultPrompt(member)
	}

	return &memberAgent{
		role:         member.Role,
		model:        member.Model,
		systemPrompt: prompt,
		client:       f.client,
	}, nil
}

func defaultPrompt(m *models.SquadMember) string {
	name := m.Name
	if name == "" {
		name = m.Role
	}
	return fmt.Sprintf(
		"You are %s, the %s of a software delivery squad. "+
			"Respond with concrete, actionable output for your role.",
		name, m.Role)
}
