// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	Messages    []model.ChatMessage
	MaxTokens   int
	Temperature float64
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response. Errors
	// are classified as *apperrors.Error upstream kinds.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// DisplayName is the provider name used in client-facing messages.
func (p Provider) DisplayName() string {
	switch p {
	case ProviderAnthropic:
		return "Anthropic"
	default:
		return "OpenAI"
	}
}

// KeyVariable is the environment variable holding the provider's API key.
func (p Provider) KeyVariable() string {
	switch p {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// NewClient creates a new LLM client based on provider. A missing key is a
// configuration error.
func NewClient(provider Provider, apiKey, defaultModel string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey, defaultModel)
	case ProviderOpenAI, "":
		return NewOpenAIClient(apiKey, defaultModel)
	default:
		return nil, apperrors.Configuration("unknown completion provider " + string(provider))
	}
}

// MissingKeyError is returned when the provider has no API key.
func MissingKeyError(p Provider) error {
	return apperrors.Configuration("Missing " + p.DisplayName() + " API Key. Please set " + p.KeyVariable() + ".")
}

// classifyStatus maps a provider HTTP status to an upstream error kind.
func classifyStatus(p Provider, status int, cause error) error {
	name := p.DisplayName()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.Wrap(apperrors.KindUpstreamAuth,
			"Invalid "+name+" API Key. Please check "+p.KeyVariable()+".", cause)
	case status == http.StatusTooManyRequests:
		return apperrors.Wrap(apperrors.KindUpstreamRateLimit,
			name+" API rate limit exceeded. Please try again later.", cause)
	case status >= 400 && status < 500:
		return apperrors.Wrap(apperrors.KindUpstreamRequest,
			fmt.Sprintf("%s API rejected the request (%d %s).", name, status, http.StatusText(status)), cause)
	default:
		return apperrors.Wrap(apperrors.KindUpstreamServer,
			name+" API server error. Please try again later.", cause)
	}
}

// classifyTransport maps errors that carry no HTTP status.
func classifyTransport(p Provider, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return apperrors.Wrap(apperrors.KindUpstreamServer, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.KindUpstreamServer, p.DisplayName()+" API request timed out.", err)
	default:
		return apperrors.Wrap(apperrors.KindUpstreamServer,
			p.DisplayName()+" API server error. Please try again later.", err)
	}
}
