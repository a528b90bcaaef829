package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"berkut-siem/core/correlate"
	"berkut-siem/core/metrics"
	"berkut-siem/core/normalize"
	"berkut-siem/core/rules"
	"berkut-siem/core/store"
	"berkut-siem/core/threatintel"
	"berkut-siem/core/utils"
)

const (
	StageRules     = "rules"
	StageAlert     = "alert_insert"
	StageCorrelate = "correlate"
	StageTI        = "threatintel"
	StageHook      = "alert_hook"
)

// Input is one raw event as received by ingest or telemetry.
type Input struct {
	TS       *float64       `json:"ts,omitempty"`
	Source   string         `json:"source"`
	Host     string         `json:"host,omitempty"`
	Facility Code           `json:"facility,omitempty"`
	Severity Code           `json:"severity,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type Result struct {
	Event  store.Event   `json:"event"`
	Alerts []store.Alert `json:"alerts"`
}

// AlertHook runs after an alert is stored. Hooks are best-effort.
type AlertHook func(ctx context.Context, alert store.Alert, ev *store.Event)

type Pipeline struct {
	events    store.EventsStore
	alerts    store.AlertsStore
	rules     *rules.Engine
	correlate *correlate.Engine
	ti        *threatintel.Matcher
	hooks     []AlertHook
	metrics   *metrics.Metrics
	logger    *utils.Logger
	now       func() time.Time
}

type Deps struct {
	Events    store.EventsStore
	Alerts    store.AlertsStore
	Rules     *rules.Engine
	Correlate *correlate.Engine
	TI        *threatintel.Matcher
	Metrics   *metrics.Metrics
	Logger    *utils.Logger
}

func New(deps Deps, hooks ...AlertHook) *Pipeline {
	return &Pipeline{
		events:    deps.Events,
		alerts:    deps.Alerts,
		rules:     deps.Rules,
		correlate: deps.Correlate,
		ti:        deps.TI,
		hooks:     hooks,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

func (p *Pipeline) AddHook(h AlertHook) {
	p.hooks = append(p.hooks, h)
}

// Process normalizes and stores one event, then runs detection. Only a failed
// event insert is returned as an error; every later stage is best-effort.
func (p *Pipeline) Process(ctx context.Context, in Input) (*Result, error) {
	ts := float64(p.now().UnixNano()) / 1e9
	if in.TS != nil && *in.TS > 0 {
		ts = *in.TS
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = "unknown"
	}
	message, fields := normalize.Normalize(source, in.Message, in.Fields, in.Host)
	ev := &store.Event{
		TS:       ts,
		Source:   source,
		Host:     strings.TrimSpace(in.Host),
		Facility: string(in.Facility),
		Severity: string(in.Severity),
		Message:  message,
		Fields:   fields,
	}
	if _, err := p.events.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}
	p.metrics.EventIngested(source)

	res := &Result{Event: *ev, Alerts: []store.Alert{}}
	res.Alerts = append(res.Alerts, p.runRules(ctx, ev)...)
	res.Alerts = append(res.Alerts, p.runStage(ctx, StageCorrelate, ev, p.correlateStage)...)
	res.Alerts = append(res.Alerts, p.runStage(ctx, StageTI, ev, p.tiStage)...)

	for _, a := range res.Alerts {
		p.metrics.AlertCreated(a.RuleID, a.Severity)
		p.runHooks(ctx, a, ev)
	}
	return res, nil
}

// ProcessBatch processes items in order. A failed item does not stop the batch;
// its error is returned at the same index.
func (p *Pipeline) ProcessBatch(ctx context.Context, items []Input) ([]*Result, []error) {
	results := make([]*Result, len(items))
	errs := make([]error, len(items))
	for i, in := range items {
		results[i], errs[i] = p.Process(ctx, in)
		if errs[i] != nil {
			p.logger.Errorf("pipeline: item %d: %v", i, errs[i])
		}
	}
	return results, errs
}

func (p *Pipeline) runRules(ctx context.Context, ev *store.Event) []store.Alert {
	if p.rules == nil {
		return nil
	}
	var matched []store.Alert
	if err := guard(func() error {
		matched = p.rules.Match(ev)
		return nil
	}); err != nil {
		p.stageFailed(StageRules, ev, err)
		return nil
	}
	stored := make([]store.Alert, 0, len(matched))
	for _, a := range matched {
		a := a
		if _, err := p.alerts.InsertAlert(ctx, &a); err != nil {
			p.stageFailed(StageAlert, ev, err)
			continue
		}
		stored = append(stored, a)
	}
	return stored
}

func (p *Pipeline) correlateStage(ctx context.Context, ev *store.Event) ([]store.Alert, error) {
	if p.correlate == nil {
		return nil, nil
	}
	return p.correlate.Evaluate(ctx, ev)
}

func (p *Pipeline) tiStage(ctx context.Context, ev *store.Event) ([]store.Alert, error) {
	if p.ti == nil {
		return nil, nil
	}
	return p.ti.Evaluate(ctx, ev)
}

func (p *Pipeline) runStage(ctx context.Context, stage string, ev *store.Event, fn func(context.Context, *store.Event) ([]store.Alert, error)) []store.Alert {
	var out []store.Alert
	err := guard(func() error {
		var err error
		out, err = fn(ctx, ev)
		return err
	})
	if err != nil {
		p.stageFailed(stage, ev, err)
	}
	return out
}

func (p *Pipeline) runHooks(ctx context.Context, a store.Alert, ev *store.Event) {
	for _, h := range p.hooks {
		if err := guard(func() error {
			h(ctx, a, ev)
			return nil
		}); err != nil {
			p.stageFailed(StageHook, ev, err)
		}
	}
}

func (p *Pipeline) stageFailed(stage string, ev *store.Event, err error) {
	p.metrics.StageError(stage)
	p.logger.Errorf("pipeline: %s on event %d: %v", stage, ev.ID, err)
}

// guard converts a panic in a best-effort stage into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
