package capture

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/natsclient"
	"github.com/msakrejda/cartographer/result"
)

// Sink receives every captured result message.
type Sink interface {
	Publish(ctx context.Context, msg *result.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg *result.Message) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, msg *result.Message) error {
	return f(ctx, msg)
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []Sink

// Publish implements Sink.
func (ms MultiSink) Publish(ctx context.Context, msg *result.Message) error {
	var errs []error
	for _, s := range ms {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// LogSink logs a one-line summary of each message.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements Sink.
func (s LogSink) Publish(ctx context.Context, msg *result.Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"id", msg.ID,
		"session", msg.Session,
		"runtime_ms", msg.Runtime,
		"columns", len(msg.Columns),
		"rows", len(msg.Data),
	}
	if len(msg.Error) > 0 {
		attrs = append(attrs, "error", msg.Error["message"])
	}
	logger.InfoContext(ctx, msg.Query, attrs...)
	return nil
}

// NATSSink publishes each message as wire JSON on a NATS subject.
type NATSSink struct {
	client  *natsclient.Client
	subject string
}

// NewNATSSink creates a sink publishing on subject.
func NewNATSSink(client *natsclient.Client, subject string) (*NATSSink, error) {
	if client == nil || subject == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "NATSSink", "NewNATSSink", "client and subject validation")
	}
	return &NATSSink{client: client, subject: subject}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(ctx context.Context, msg *result.Message) error {
	data, err := result.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.subject, data); err != nil {
		return errors.WrapTransient(err, "NATSSink", "Publish", "publish result")
	}
	return nil
}
