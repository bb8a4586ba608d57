// Package tutor is the boundary to the external AI-generation collaborator.
// Generation itself is opaque to this server: it is invoked with the session
// context and returns a single dialogue addition.
package tutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
)

// HTTPGenerator posts the session context to a remote generation service.
type HTTPGenerator struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPGenerator creates a generator for the given endpoint.
func NewHTTPGenerator(endpoint, apiKey string) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// generateResponse is the collaborator's reply shape.
type generateResponse struct {
	Content string `json:"content"`
	UI      string `json:"ui,omitempty"`
}

// Generate invokes the collaborator with the full session context.
func (g *HTTPGenerator) Generate(ctx context.Context, value *session.Value) (session.Dialogue, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return session.Dialogue{}, fmt.Errorf("encode session context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return session.Dialogue{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return session.Dialogue{}, fmt.Errorf("invoke tutor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session.Dialogue{}, fmt.Errorf("tutor returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return session.Dialogue{}, fmt.Errorf("decode tutor response: %w", err)
	}

	turn := session.NewTextTurn(session.ContentAI, false, out.Content)
	turn.UI = out.UI
	return turn, nil
}

// StaticGenerator returns a fixed reply. It stands in when no remote
// endpoint is configured (local development).
type StaticGenerator struct {
	Content string
}

// Generate returns the canned turn.
func (g *StaticGenerator) Generate(_ context.Context, _ *session.Value) (session.Dialogue, error) {
	content := g.Content
	if content == "" {
		content = "The tutor is not configured on this server."
	}
	return session.NewTextTurn(session.ContentAI, false, content), nil
}
