package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/internal/llm"
	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
	"github.com/continuum-canvas/continuum/pkg/metrics"
	"github.com/continuum-canvas/continuum/pkg/tracing"
)

// CompletionService forwards a message history to the configured provider.
// It never retries.
type CompletionService struct {
	client    llm.Client
	configErr error
	timeout   time.Duration
	logger    *logger.Logger
	tracer    trace.Tracer
}

// NewCompletionService creates a completion service. When client is nil every
// call fails with configErr (or a generic configuration error).
func NewCompletionService(client llm.Client, configErr error, timeout time.Duration, log *logger.Logger) *CompletionService {
	if client == nil && configErr == nil {
		configErr = apperrors.Configuration("no completion provider configured")
	}
	return &CompletionService{
		client:    client,
		configErr: configErr,
		timeout:   timeout,
		logger:    log.Named("completion"),
		tracer:    tracing.Tracer("continuum/service/completion"),
	}
}

// ValidateMessages checks a history before it is sent upstream.
func ValidateMessages(messages []model.ChatMessage) error {
	if len(messages) == 0 {
		return apperrors.Validation("Invalid request. 'messages' must be a non-empty array.")
	}
	for i := range messages {
		if err := model.Validate(&messages[i]); err != nil {
			return apperrors.Validation(fmt.Sprintf("message %d: %v", i, err))
		}
		if messages[i].Role != model.RoleAssistant && strings.TrimSpace(messages[i].Content) == "" {
			return apperrors.Validation(fmt.Sprintf("message %d: content is required", i))
		}
	}
	return nil
}

// Complete returns the provider's reply to messages.
func (s *CompletionService) Complete(ctx context.Context, messages []model.ChatMessage) (string, error) {
	if s.client == nil {
		return "", s.configErr
	}
	if err := ValidateMessages(messages); err != nil {
		return "", err
	}

	provider := llm.Provider(s.client.Name())
	ctx, span := s.tracer.Start(ctx, "CompletionService.Complete", trace.WithAttributes(
		attribute.String("llm.provider", string(provider)),
		attribute.Int("llm.messages", len(messages)),
	))
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.client.Complete(ctx, &llm.CompletionRequest{Messages: messages})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindInternal {
			err = apperrors.Wrap(apperrors.KindUpstreamServer,
				provider.DisplayName()+" API server error. Please try again later.", err)
		}
		metrics.RecordCompletion(string(provider), string(apperrors.KindOf(err)), time.Since(start).Seconds(), 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		s.logger.Warn("completion failed",
			zap.String("provider", string(provider)),
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.Error(err),
		)
		return "", err
	}

	if strings.TrimSpace(resp.Content) == "" {
		err := apperrors.New(apperrors.KindEmptyReply, provider.DisplayName()+" returned an empty response.")
		metrics.RecordCompletion(string(provider), string(apperrors.KindEmptyReply), time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
		span.SetStatus(codes.Error, "empty reply")
		return "", err
	}

	metrics.RecordCompletion(string(provider), "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	s.logger.Debug("completion succeeded",
		zap.String("provider", string(provider)),
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	return resp.Content, nil
}
