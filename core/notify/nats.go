package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes alert payloads as JSON on a subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	mu      sync.Mutex
}

func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = "siem.alerts"
	}
	return &NATSSink{nc: nc, subject: subject}
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("berkut-siem"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject() string { return s.subject }

func (s *NATSSink) Send(ctx context.Context, p Payload) error {
	if s.nc == nil {
		return errors.New("nats connection missing")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	severity := p.Alert.Severity
	if severity == "" {
		severity = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc.Publish(s.subject+"."+severity, raw)
}

func (s *NATSSink) Close() {
	if s.nc == nil {
		return
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
	}
}
