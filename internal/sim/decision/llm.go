package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"floodmesh.ai/internal/sim/model"
)

const apiVersion = "2023-06-01"

// Completer sends one prompt to a reasoning model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Client talks to an Anthropic-style Messages endpoint.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewClient(endpoint, apiKey, modelName string, maxTokens int, temperature float64) *Client {
	return &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		model:       modelName,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient:  &http.Client{},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      system,
		Messages:    []message{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oracle call: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	var sb strings.Builder
	for _, c := range out.Content {
		if c.Type == "" || c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response")
	}
	return sb.String(), nil
}

// LLM evaluates requests with an external model. Every call runs under its own timeout;
// a timeout is reported as ErrOracleTimeout and counts as a failed attempt.
type LLM struct {
	Completer Completer
	Timeout   time.Duration
	Parser    Parser
}

const systemPrompt = `You coordinate emergency support between places in a flooding city.
Answer with a single JSON object and nothing else, with exactly these fields:
{"decision_type": "commit|reject|negotiate|redirect", "confidence": 0..1, "reasoning": "...", "priority_score": 0..1, "partnership_strength": 0..1}`

func (o *LLM) Evaluate(ctx context.Context, req Request) (model.DecisionRecord, error) {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	text, err := o.Completer.Complete(ctx, systemPrompt, Prompt(req))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.DecisionRecord{}, fmt.Errorf("%w: %v", ErrOracleTimeout, err)
		}
		return model.DecisionRecord{}, err
	}
	return o.Parser.Parse(text)
}

// Prompt renders a request deterministically; map keys are emitted in sorted order by
// encoding/json.
func Prompt(req Request) string {
	type agentView struct {
		ID            string   `json:"id"`
		Name          string   `json:"name"`
		Sector        string   `json:"sector"`
		Status        string   `json:"status"`
		Vulnerability float64  `json:"vulnerability"`
		Priority      float64  `json:"priority"`
		Capabilities  []string `json:"capabilities,omitempty"`
		Needs         []string `json:"needs,omitempty"`
	}
	view := func(a model.Agent) agentView {
		return agentView{
			ID: a.ID, Name: a.Name, Sector: string(a.Sector), Status: a.State.Status.String(),
			Vulnerability: a.Vulnerability, Priority: a.Priority,
			Capabilities: a.Capabilities, Needs: a.State.Needs,
		}
	}
	body, _ := json.MarshalIndent(struct {
		You         agentView      `json:"you"`
		Requester   agentView      `json:"requester"`
		Request     model.Envelope `json:"request"`
		SatisfiedBy []string       `json:"satisfied_by_capabilities"`
		Crisis      Crisis         `json:"crisis"`
		Prior       *float64       `json:"prior_partnership_strength,omitempty"`
	}{
		You:         view(req.Receiver),
		Requester:   view(req.Requester),
		Request:     req.Envelope,
		SatisfiedBy: req.Capabilities,
		Crisis:      req.Crisis,
		Prior:       priorPtr(req),
	}, "", "  ")
	return "Decide how to answer this support request.\n" + string(body)
}

func priorPtr(req Request) *float64 {
	if !req.HasPrior {
		return nil
	}
	v := req.Prior
	return &v
}
