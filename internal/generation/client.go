// Package generation calls the text generation service that drafts proposal
// sections.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sowbridge/sowbridge/internal/retryclient"
	"github.com/sowbridge/sowbridge/pkg/config"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

// Retrieval tells the service which notice's documents to ground the answer
// in and how to rank them.
type Retrieval struct {
	NoticeID    string  `json:"notice_id"`
	HybridAlpha float64 `json:"hybrid_alpha"`
	TopK        int     `json:"top_k"`
}

// Prompt is one generation request.
type Prompt struct {
	System      string     `json:"system,omitempty"`
	Input       string     `json:"prompt"`
	Model       string     `json:"model,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature"`
	Retrieval   *Retrieval `json:"retrieval,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the decoded service reply.
type Completion struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

type Client struct {
	rc        *retryclient.Client
	url       string
	creds     []retryclient.Credential
	model     string
	maxTokens int
	logger    *slog.Logger
}

func New(rc *retryclient.Client, cfg config.GenerationConfig) *Client {
	creds := make([]retryclient.Credential, 0, len(cfg.APIKeys))
	for i, key := range cfg.APIKeys {
		creds = append(creds, retryclient.BearerToken(fmt.Sprintf("key-%d", i), key))
	}
	return &Client{
		rc:        rc,
		url:       cfg.URL,
		creds:     creds,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    slog.Default().With("component", "generation-client"),
	}
}

// Configured reports whether a service URL is set.
func (c *Client) Configured() bool { return c.url != "" }

// Generate sends p to the service. Unset model and token limits take the
// configured defaults.
func (c *Client) Generate(ctx context.Context, p Prompt) (*Completion, error) {
	if !c.Configured() {
		return nil, &apperrors.CallError{
			Kind:     apperrors.KindFatal,
			Endpoint: config.EndpointLLMGenerate,
			Err:      fmt.Errorf("%w: generation url not configured", apperrors.ErrInvalidInput),
		}
	}
	if strings.TrimSpace(p.Input) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", apperrors.ErrInvalidInput)
	}
	if p.Model == "" {
		p.Model = c.model
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = c.maxTokens
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}

	resp, err := c.rc.Execute(ctx, config.EndpointLLMGenerate, retryclient.RequestSpec{
		Method: http.MethodPost,
		URLs:   []string{c.url},
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"Accept":       []string{"application/json"},
		},
		Body:        body,
		Credentials: c.creds,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	var out Completion
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &apperrors.CallError{
			Kind:       apperrors.KindFatal,
			Endpoint:   config.EndpointLLMGenerate,
			URL:        resp.URL,
			Attempts:   resp.Attempts,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: decoding completion: %v", apperrors.ErrUpstreamRejected, err),
		}
	}
	c.logger.Info("generation completed",
		"model", out.Model,
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"attempts", resp.Attempts,
	)
	return &out, nil
}
