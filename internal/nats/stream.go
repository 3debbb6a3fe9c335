package nats

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
)

const (
	// StreamName is the name of the conversation audit stream.
	StreamName = "CONVERSATION_AUDIT"

	// SubjectPrefix is the prefix for all audit subjects.
	SubjectPrefix = "audit"
)

// AuditStream publishes and reads conversation audit events.
type AuditStream struct {
	client *Client
}

// NewAuditStream creates a new audit stream.
func NewAuditStream(client *Client) *AuditStream {
	return &AuditStream{client: client}
}

// EnsureStream ensures the audit stream exists with proper configuration.
func (s *AuditStream) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Conversation saves and deletes with full snapshots",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// subjectToken makes s usable as a single subject token. Ids made only of
// letters, digits and hyphens (uuids included) pass through; anything else
// is base32 encoded behind a "_" marker, which plain tokens never contain.
func subjectToken(s string) string {
	plain := s != ""
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			plain = false
			break
		}
	}
	if plain {
		return s
	}
	return "_" + tokenEncoding.EncodeToString([]byte(s))
}

// EventSubject returns the subject for an audit event.
func EventSubject(ownerID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, subjectToken(ownerID), subjectToken(conversationID), eventType)
}

// ConversationFilter returns the filter subject for all events of a conversation.
func ConversationFilter(ownerID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, subjectToken(ownerID), subjectToken(conversationID))
}

// headerAllowance is reserved in each message for the Nats-Msg-Id header.
const headerAllowance = 512

// encodeEvent marshals event to at most limit bytes. A snapshot too large to
// fit is dropped from the message and replaced by its node and edge counts.
func encodeEvent(event *model.ConversationEvent, limit int64) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if limit <= 0 || int64(len(data)) <= limit {
		return data, nil
	}

	slim := *event
	slim.Nodes, slim.Edges = nil, nil
	slim.SnapshotOmitted = true
	slim.NodeCount, slim.EdgeCount = len(event.Nodes), len(event.Edges)
	if data, err = json.Marshal(&slim); err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("event of %d bytes exceeds NATS max payload %d", len(data), limit)
	}
	return data, nil
}

// PublishConversationEvent publishes an audit event and waits for the ack.
func (s *AuditStream) PublishConversationEvent(ctx context.Context, event *model.ConversationEvent) error {
	data, err := encodeEvent(event, s.client.MaxPayload()-headerAllowance)
	if err != nil {
		return err
	}

	subject := EventSubject(event.OwnerID, event.ConversationID, event.Type)
	if _, err := s.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// ConversationEvents returns up to limit audit events of a conversation
// recorded after afterSequence.
func (s *AuditStream) ConversationEvents(ctx context.Context, ownerID, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, bool, error) {
	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(ownerID, conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := s.client.JetStream().CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read consumer info: %w", err)
	}
	available := int(info.NumPending)
	if available == 0 {
		return []model.ConversationEvent{}, false, nil
	}

	batch, err := consumer.Fetch(min(limit, available), jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	events := []model.ConversationEvent{}
	for msg := range batch.Messages() {
		var event model.ConversationEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
		}
		events = append(events, event)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, false, fmt.Errorf("batch error: %w", err)
	}

	return events, available > len(events), nil
}

// Disabled stands in for the audit stream when NATS is not configured.
// Publishing is a no-op; reading reports a configuration error.
type Disabled struct{}

// PublishConversationEvent discards the event.
func (Disabled) PublishConversationEvent(context.Context, *model.ConversationEvent) error {
	return nil
}

// ConversationEvents reports that the audit stream is disabled.
func (Disabled) ConversationEvents(context.Context, string, string, uint64, int) ([]model.ConversationEvent, bool, error) {
	return nil, false, apperrors.Configuration("audit stream is disabled; set NATS_ENABLED=true")
}
