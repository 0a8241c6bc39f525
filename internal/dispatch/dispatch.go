// Package dispatch decides which agent answers an inbound call and
// provisions the conferencing session for it.
package dispatch

import (
	"context"
	"fmt"
)

// Resolver maps a dialed number to the agent type that should answer.
type Resolver interface {
	ResolveAgentForNumber(dialed string) (string, error)
}

// SessionCreator provisions a conferencing session and dispatches an
// agent of the given type into it, returning the session name. Called
// before the inbound INVITE is answered so the agent is already joining
// when audio starts to flow.
type SessionCreator interface {
	CreateSessionAndDispatchAgent(ctx context.Context, agentType, phoneNumber string) (string, error)
}

// StaticResolver resolves numbers from a fixed table, with an optional
// fallback agent type.
type StaticResolver struct {
	Numbers map[string]string
	Default string
}

func (r StaticResolver) ResolveAgentForNumber(dialed string) (string, error) {
	if t, ok := r.Numbers[dialed]; ok {
		return t, nil
	}
	if r.Default != "" {
		return r.Default, nil
	}
	return "", fmt.Errorf("no agent configured for number %s", dialed)
}
