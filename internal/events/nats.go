package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "agentcore.events"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes JSON events to <prefix>.<type>.
type NATSSink struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
}

// ConnectNATS dials url and returns a sink publishing under prefix.
func ConnectNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentcore"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	s := newNATSSink(nc, prefix)
	s.conn = nc
	return s, nil
}

func newNATSSink(pub publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{
		pub:    pub,
		prefix: prefix,
		logger: logging.New().WithComponent("events"),
	}
}

// Subject returns the subject an event of type t is published on.
func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

// Emit implements Sink. Publish failures are logged and dropped.
func (s *NATSSink) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("event encode failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := s.pub.Publish(s.Subject(e.Type), data); err != nil {
		s.logger.Warn("event publish failed", map[string]interface{}{
			"subject": s.Subject(e.Type),
			"error":   err.Error(),
		})
	}
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
