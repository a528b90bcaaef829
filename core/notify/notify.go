package notify

import (
	"context"
	"time"

	"berkut-siem/core/mdr"
	"berkut-siem/core/metrics"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

// Payload is what every sink receives for one alert.
type Payload struct {
	Service string       `json:"service"`
	SentAt  time.Time    `json:"sent_at"`
	Alert   store.Alert  `json:"alert"`
	Event   *store.Event `json:"event,omitempty"`
}

type Sink interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}

// Dispatcher fans alerts out to sinks. Delivery is best-effort: failures are
// logged and counted, never returned.
type Dispatcher struct {
	sinks       []Sink
	minSeverity string
	timeout     time.Duration
	logger      *utils.Logger
	metrics     *metrics.Metrics
}

func NewDispatcher(minSeverity string, timeout time.Duration, logger *utils.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sinks: sinks, minSeverity: minSeverity, timeout: timeout, logger: logger, metrics: m}
}

func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.sinks) > 0
}

func (d *Dispatcher) Sinks() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

func (d *Dispatcher) Dispatch(ctx context.Context, alert store.Alert, ev *store.Event) {
	if !d.Enabled() {
		return
	}
	if min := mdr.SeverityRank(d.minSeverity); min > 0 && mdr.SeverityRank(alert.Severity) < min {
		return
	}
	p := Payload{Service: "berkut-siem", SentAt: time.Now().UTC(), Alert: alert, Event: ev}
	for _, s := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Send(sendCtx, p)
		cancel()
		d.metrics.NotifyDelivery(s.Name(), err == nil)
		if err != nil {
			d.logger.Errorf("notify: %s alert %d: %v", s.Name(), alert.ID, err)
		}
	}
}

func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
