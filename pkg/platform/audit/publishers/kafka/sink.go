// Package kafka forwards audit events to a Kafka topic with franz-go.
// Produces are asynchronous; delivery failures are logged and dropped.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	audit "trustcore/pkg/platform/audit"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config holds the connection settings for the audit sink.
type Config struct {
	Brokers []string
	Topic   string
	// Partitions and ReplicationFactor apply only when EnsureTopic creates the topic.
	Partitions        int32
	ReplicationFactor int16
}

// Sink produces audit events keyed by identity id so events for one identity
// stay ordered within a partition.
type Sink struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

type Option func(*Sink)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

func New(cfg Config, opts ...Option) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka audit sink requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka audit sink requires a topic")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(20*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	s := &Sink{
		client: client,
		topic:  cfg.Topic,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureTopic creates the audit topic if it does not already exist.
func (s *Sink) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	adm := kadm.NewClient(s.client)
	resps, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, s.topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	for _, resp := range resps {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create audit topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}

type message struct {
	Category   string    `json:"category"`
	Timestamp  time.Time `json:"timestamp"`
	IdentityID string    `json:"identityId,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	IP         string    `json:"ip,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	ActorID    string    `json:"actorId,omitempty"`
}

func encode(event audit.Event) (key, value []byte, err error) {
	msg := message{
		Category:  string(event.Category),
		Timestamp: event.Timestamp,
		Subject:   event.Subject,
		Action:    event.Action,
		Reason:    event.Reason,
		IP:        event.IP,
		RequestID: event.RequestID,
		ActorID:   event.ActorID,
	}
	if !event.IdentityID.IsNil() {
		msg.IdentityID = event.IdentityID.String()
		key = []byte(msg.IdentityID)
	}
	value, err = json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal audit event: %w", err)
	}
	return key, value, nil
}

// Append enqueues the event for production and returns without waiting for
// the broker acknowledgement.
func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	key, value, err := encode(event)
	if err != nil {
		return err
	}
	record := &kgo.Record{Topic: s.topic, Key: key, Value: value}
	// the produce outlives the request context
	s.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			s.logger.Warn("audit event produce failed",
				"topic", r.Topic,
				"action", event.Action,
				"error", err,
			)
		}
	})
	return nil
}

// Close flushes buffered records and closes the client.
func (s *Sink) Close(ctx context.Context) error {
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}
