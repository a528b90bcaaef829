package threatintel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

var lookupOrder = []string{TypeIP, TypeDomain, TypeSHA256}

type Matcher struct {
	iocs   store.IOCStore
	alerts store.AlertsStore
	logger *utils.Logger
	now    func() time.Time
}

func NewMatcher(iocs store.IOCStore, alerts store.AlertsStore, logger *utils.Logger) *Matcher {
	return &Matcher{iocs: iocs, alerts: alerts, logger: logger, now: time.Now}
}

// FindMatches looks up every candidate list against the IOC table.
func (m *Matcher) FindMatches(ctx context.Context, c Candidates) ([]store.IOC, error) {
	var out []store.IOC
	for _, t := range lookupOrder {
		values := c.ByType(t)
		if len(values) == 0 {
			continue
		}
		hits, err := m.iocs.FindIOCs(ctx, t, values)
		if err != nil {
			return out, fmt.Errorf("lookup %s: %w", t, err)
		}
		out = append(out, hits...)
	}
	return out, nil
}

// Evaluate raises one ti_<type> alert per IOC found in ev.
func (m *Matcher) Evaluate(ctx context.Context, ev *store.Event) ([]store.Alert, error) {
	if ev == nil || ev.ID == 0 {
		return nil, nil
	}
	c := ExtractCandidates(ev.Message, ev.Fields)
	if c.Empty() {
		return nil, nil
	}
	hits, err := m.FindMatches(ctx, c)
	if err != nil && len(hits) == 0 {
		return nil, err
	}
	var created []store.Alert
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	ts := float64(m.now().UnixNano()) / 1e9
	for _, ioc := range hits {
		a := store.Alert{
			TS:       ts,
			RuleID:   "ti_" + ioc.Type,
			Title:    fmt.Sprintf("Threat intel match: %s %s", ioc.Type, ioc.Value),
			Severity: "high",
			EventID:  ev.ID,
			Details: map[string]any{
				"ioc":        iocDetails(ioc),
				"candidates": c,
			},
		}
		if _, err := m.alerts.InsertAlert(ctx, &a); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Debugf("threatintel: %s %s matched event %d", ioc.Type, ioc.Value, ev.ID)
		created = append(created, a)
	}
	return created, errors.Join(errs...)
}

func iocDetails(ioc store.IOC) map[string]any {
	d := map[string]any{"id": ioc.ID, "type": ioc.Type, "value": ioc.Value}
	if ioc.Source != "" {
		d["source"] = ioc.Source
	}
	if ioc.Note != "" {
		d["note"] = ioc.Note
	}
	return d
}
