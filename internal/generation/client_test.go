package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sowbridge/sowbridge/internal/retryclient"
	"github.com/sowbridge/sowbridge/pkg/clock"
	"github.com/sowbridge/sowbridge/pkg/config"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

func newRetryClient(t *testing.T) *retryclient.Client {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rc := retryclient.New(retryclient.WithClock(fc), retryclient.WithJitter(clock.NoJitter{}))
	require.NoError(t, rc.Register(retryclient.Endpoint{
		Name:              config.EndpointLLMGenerate,
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        30 * time.Second,
	}))
	return rc
}

func TestGenerate_SendsPromptWithDefaults(t *testing.T) {
	got := make(chan Prompt, 1)
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Prompt
		_ = json.NewDecoder(r.Body).Decode(&p)
		got <- p
		auth <- r.Header.Get("Authorization")
		fmt.Fprint(w, `{"text":"Section draft","model":"gpt-4o-mini","usage":{"prompt_tokens":12,"completion_tokens":40}}`)
	}))
	defer srv.Close()

	c := New(newRetryClient(t), config.GenerationConfig{
		URL:       srv.URL,
		APIKeys:   []string{"k1"},
		Model:     "gpt-4o-mini",
		MaxTokens: 512,
	})

	out, err := c.Generate(context.Background(), Prompt{Input: "Summarize lodging requirements"})
	require.NoError(t, err)
	assert.Equal(t, "Section draft", out.Text)
	assert.Equal(t, 40, out.Usage.CompletionTokens)

	p := <-got
	assert.Equal(t, "gpt-4o-mini", p.Model)
	assert.Equal(t, 512, p.MaxTokens)
	assert.Equal(t, "Bearer k1", <-auth)
}

func TestGenerate_FallsBackToSecondKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"text":"ok"}`)
	}))
	defer srv.Close()

	c := New(newRetryClient(t), config.GenerationConfig{URL: srv.URL, APIKeys: []string{"k1", "k2"}})
	out, err := c.Generate(context.Background(), Prompt{Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	calls := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		if len(calls) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"text":"third time"}`)
	}))
	defer srv.Close()

	c := New(newRetryClient(t), config.GenerationConfig{URL: srv.URL})
	out, err := c.Generate(context.Background(), Prompt{Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, "third time", out.Text)
	assert.Len(t, calls, 3)
}

func TestGenerate_Errors(t *testing.T) {
	c := New(newRetryClient(t), config.GenerationConfig{})
	_, err := c.Generate(context.Background(), Prompt{Input: "x"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.False(t, c.Configured())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()

	c = New(newRetryClient(t), config.GenerationConfig{URL: srv.URL})
	_, err = c.Generate(context.Background(), Prompt{Input: "  "})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = c.Generate(context.Background(), Prompt{Input: "x"})
	assert.ErrorIs(t, err, apperrors.ErrUpstreamRejected)
}
