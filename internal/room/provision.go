package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateSessionAndDispatchAgent provisions a fresh session on the
// gateway and asks it to dispatch an agent of the given type into it.
// The returned session name is what the phone participant then joins.
func (c *GatewayClient) CreateSessionAndDispatchAgent(ctx context.Context, agentType, phoneNumber string) (string, error) {
	session := "call-" + uuid.NewString()

	token, err := BuildJoinToken(c.apiKey, c.apiSecret, session, "dispatcher", "", time.Minute)
	if err != nil {
		return "", fmt.Errorf("minting dispatch token: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"session":      session,
		"agent_type":   agentType,
		"phone_number": phoneNumber,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBaseURL()+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("creating session: gateway returned %s", res.Status)
	}

	c.logger.Info("session provisioned", "session", session, "agent_type", agentType)
	return session, nil
}

// httpBaseURL maps the gateway's ws:// base to its HTTP API.
func (c *GatewayClient) httpBaseURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "wss://"):
		return "https://" + strings.TrimPrefix(c.baseURL, "wss://")
	case strings.HasPrefix(c.baseURL, "ws://"):
		return "http://" + strings.TrimPrefix(c.baseURL, "ws://")
	}
	return c.baseURL
}
