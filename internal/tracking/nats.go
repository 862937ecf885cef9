package tracking

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// publisher is the subset of *nats.Conn used by NATSTracker.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSTracker publishes params and metrics as JSON to NATS subjects
// <subject>.params and <subject>.metrics.<name>.
type NATSTracker struct {
	conn    publisher
	close   func()
	subject string
	logger  zerolog.Logger
}

// NewNATSTracker connects to natsURL.
func NewNATSTracker(natsURL, subject string, logger zerolog.Logger) (*NATSTracker, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &NATSTracker{conn: conn, close: conn.Close, subject: subject, logger: logger}, nil
}

type paramsEvent struct {
	RunID  string            `json:"run_id"`
	Params map[string]string `json:"params"`
}

// LogParams satisfies Tracker.
func (n *NATSTracker) LogParams(_ context.Context, runID string, params map[string]string) error {
	data, err := json.Marshal(paramsEvent{RunID: runID, Params: params})
	if err != nil {
		return err
	}
	subject := n.subject + ".params"
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish params")
		return err
	}
	return nil
}

// LogMetric satisfies Tracker.
func (n *NATSTracker) LogMetric(_ context.Context, m Metric) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	subject := n.subject + ".metrics." + m.Name
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish metric")
		return err
	}

	n.logger.Debug().
		Str("run_id", m.RunID).
		Str("metric", m.Name).
		Str("subject", subject).
		Msg("Published metric")
	return nil
}

// Close closes the NATS connection.
func (n *NATSTracker) Close() error {
	if n.close != nil {
		n.close()
	}
	return nil
}
