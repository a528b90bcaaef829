package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"berkut-siem/core/normalize"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

const (
	RuleLogCleared       = "corr_log_cleared"
	RuleBruteForce       = "corr_bruteforce"
	RulePasswordSpray    = "corr_password_spray"
	RuleCredStuffing     = "corr_credential_stuffing"
	RuleConcurrentLogins = "corr_concurrent_logins"
	RulePortScan         = "corr_port_scan"
	RuleWebScan          = "corr_404_scan"
)

// candidate is what a detector wants to raise. Window is the dedup horizon
// around the anchor event; zero dedups on the event alone.
type candidate struct {
	alert  store.Alert
	window time.Duration
}

type detector struct {
	name string
	run  func(ctx context.Context, ev *store.Event) (*candidate, error)
}

type Engine struct {
	counts    store.CorrelationStore
	alerts    store.AlertsStore
	cfg       Config
	logger    *utils.Logger
	now       func() time.Time
	detectors []detector
}

func NewEngine(counts store.CorrelationStore, alerts store.AlertsStore, cfg Config, logger *utils.Logger) *Engine {
	e := &Engine{counts: counts, alerts: alerts, cfg: cfg, logger: logger, now: time.Now}
	e.detectors = []detector{
		{RuleLogCleared, e.logCleared},
		{RuleBruteForce, e.bruteForce},
		{RulePasswordSpray, e.passwordSpray},
		{RuleCredStuffing, e.credentialStuffing},
		{RuleConcurrentLogins, e.concurrentLogins},
		{RulePortScan, e.portScan},
		{RuleWebScan, e.webScan},
	}
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate runs every detector against ev and returns the alerts that were
// inserted. A failing detector does not stop the others; their errors are joined.
func (e *Engine) Evaluate(ctx context.Context, ev *store.Event) ([]store.Alert, error) {
	if ev == nil || ev.ID == 0 {
		return nil, nil
	}
	var created []store.Alert
	var errs []error
	for _, d := range e.detectors {
		c, err := d.run(ctx, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		if c == nil {
			continue
		}
		c.alert.TS = float64(e.now().UnixNano()) / 1e9
		c.alert.EventID = ev.ID
		ok, err := e.alerts.InsertAlertDedup(ctx, &c.alert, ev.TS, c.window.Seconds())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		if ok {
			e.logger.Debugf("correlate: %s fired on event %d", c.alert.RuleID, ev.ID)
			created = append(created, c.alert)
		}
	}
	return created, errors.Join(errs...)
}

func isAuthFailure(ev *store.Event) bool {
	return ev.EventCategory == "authentication" && ev.EventOutcome == "failure"
}

func isAuthSuccess(ev *store.Event) bool {
	return ev.EventCategory == "authentication" && ev.EventOutcome == "success"
}

// sourceIP prefers the structured src_ip and falls back to the first IPv4
// literal in the raw message.
func sourceIP(ev *store.Event) string {
	if ev.SrcIP != "" {
		return ev.SrcIP
	}
	return normalize.FirstIPv4(ev.Message)
}

func since(ev *store.Event, window time.Duration) (float64, float64) {
	return ev.TS - window.Seconds(), ev.TS
}

func (e *Engine) logCleared(_ context.Context, ev *store.Event) (*candidate, error) {
	if ev.EventAction != "log_cleared" {
		return nil, nil
	}
	details := map[string]any{"event_action": ev.EventAction}
	if ev.Host != "" {
		details["host"] = ev.Host
	}
	if ev.User != "" {
		details["user"] = ev.User
	}
	return &candidate{alert: store.Alert{
		RuleID:   RuleLogCleared,
		Title:    "Security log cleared",
		Severity: "high",
		Details:  details,
	}}, nil
}

func (e *Engine) bruteForce(ctx context.Context, ev *store.Event) (*candidate, error) {
	ip := sourceIP(ev)
	if !isAuthFailure(ev) || ip == "" {
		return nil, nil
	}
	from, to := since(ev, e.cfg.BruteForceWindow)
	n, err := e.counts.CountWindow(ctx, store.WindowQuery{
		From: from, To: to, SrcIP: ip, Host: ev.Host,
		Category: "authentication", Outcome: "failure",
	})
	if err != nil {
		return nil, err
	}
	if n < e.cfg.BruteForceThreshold {
		return nil, nil
	}
	details := windowDetails(ip, n, e.cfg.BruteForceThreshold, e.cfg.BruteForceWindow)
	if ev.Host != "" {
		details["host"] = ev.Host
	}
	return &candidate{window: e.cfg.BruteForceWindow, alert: store.Alert{
		RuleID:   RuleBruteForce,
		Title:    fmt.Sprintf("Brute force: %d auth failures from %s", n, ip),
		Severity: "high",
		Details:  details,
		DedupKey: ip,
	}}, nil
}

func (e *Engine) passwordSpray(ctx context.Context, ev *store.Event) (*candidate, error) {
	ip := sourceIP(ev)
	if !isAuthFailure(ev) || ip == "" {
		return nil, nil
	}
	from, to := since(ev, e.cfg.PasswordSprayWindow)
	n, err := e.counts.CountWindow(ctx, store.WindowQuery{
		From: from, To: to, SrcIP: ip, Distinct: "user",
		Category: "authentication", Outcome: "failure",
	})
	if err != nil {
		return nil, err
	}
	if n < e.cfg.PasswordSprayThreshold {
		return nil, nil
	}
	details := windowDetails(ip, n, e.cfg.PasswordSprayThreshold, e.cfg.PasswordSprayWindow)
	details["distinct_users"] = n
	return &candidate{window: e.cfg.PasswordSprayWindow, alert: store.Alert{
		RuleID:   RulePasswordSpray,
		Title:    fmt.Sprintf("Password spray: %d users failing from %s", n, ip),
		Severity: "high",
		Details:  details,
		DedupKey: ip,
	}}, nil
}

func (e *Engine) credentialStuffing(ctx context.Context, ev *store.Event) (*candidate, error) {
	ip := sourceIP(ev)
	if !isAuthSuccess(ev) || ip == "" {
		return nil, nil
	}
	if ev.LogType != "sshd" && ev.EventAction != "logon" && ev.EventAction != "ssh_login" {
		return nil, nil
	}
	from, to := since(ev, e.cfg.CredStuffingWindow)
	n, err := e.counts.CountWindow(ctx, store.WindowQuery{
		From: from, To: to, SrcIP: ip,
		Category: "authentication", Outcome: "failure",
	})
	if err != nil {
		return nil, err
	}
	if n < e.cfg.CredStuffingThreshold {
		return nil, nil
	}
	details := windowDetails(ip, n, e.cfg.CredStuffingThreshold, e.cfg.CredStuffingWindow)
	details["prior_failures"] = n
	if ev.User != "" {
		details["user"] = ev.User
	}
	return &candidate{window: e.cfg.CredStuffingWindow, alert: store.Alert{
		RuleID:   RuleCredStuffing,
		Title:    fmt.Sprintf("Successful login from %s after %d failures", ip, n),
		Severity: "high",
		Details:  details,
		DedupKey: ip,
	}}, nil
}

func (e *Engine) concurrentLogins(ctx context.Context, ev *store.Event) (*candidate, error) {
	ip := sourceIP(ev)
	if !isAuthSuccess(ev) || ip == "" || ev.User == "" {
		return nil, nil
	}
	from, to := since(ev, e.cfg.ConcurrentLoginWindow)
	n, err := e.counts.CountWindow(ctx, store.WindowQuery{
		From: from, To: to, User: ev.User, ExcludeSrcIP: ip, Distinct: "src_ip",
		Category: "authentication", Outcome: "success",
	})
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, nil
	}
	details := windowDetails(ip, n, 1, e.cfg.ConcurrentLoginWindow)
	details["user"] = ev.User
	details["other_src_ips"] = n
	return &candidate{window: e.cfg.ConcurrentLoginWindow, alert: store.Alert{
		RuleID:   RuleConcurrentLogins,
		Title:    fmt.Sprintf("User %s logged in from %d other addresses", ev.User, n),
		Severity: "medium",
		Details:  details,
		DedupKey: ev.User,
	}}, nil
}

func (e *Engine) portScan(ctx context.Context, ev *store.Event) (*candidate, error) {
	ip := sourceIP(ev)
	if ev.EventCategory != "network" || ip == "" || ev.DstPort == nil {
		return nil, nil
	}
	from, to := since(ev, e.cfg.PortScanWindow)
	n, err := e.counts.CountWindow(ctx, store.WindowQuery{
		From: from, To: to, SrcIP: ip, DstIP: ev.DstIP, Host: ev.Host,
		Category: "network", Distinct: "dst_port", RequireDstPort: true,
	})
	if err != nil {
		return nil, err
	}
	if n < e.cfg.PortScanThreshold {
		return nil, nil
	}
	details := windowDetails(ip, n, e.cfg.PortScanThreshold, e.cfg.PortScanWindow)
	details["distinct_ports"] = n
	if ev.DstIP != "" {
		details["dst_ip"] = ev.DstIP
	}
	return &candidate{window: e.cfg.PortScanWindow, alert: store.Alert{
		RuleID:   RulePortScan,
		Title:    fmt.Sprintf("Port scan: %d ports probed by %s", n, ip),
		Severity: "high",
		Details:  details,
		DedupKey: ip,
	}}, nil
}

func (e *Engine) webScan(ctx context.Context, ev *store.Event) (*candidate, error) {
	ip := sourceIP(ev)
	if ev.HTTPStatus == nil || *ev.HTTPStatus != 404 || ip == "" {
		return nil, nil
	}
	from, to := since(ev, e.cfg.WebScanWindow)
	n, err := e.counts.CountWindow(ctx, store.WindowQuery{
		From: from, To: to, SrcIP: ip, Host: ev.Host, HTTPStatus: 404,
	})
	if err != nil {
		return nil, err
	}
	if n < e.cfg.WebScanThreshold {
		return nil, nil
	}
	details := windowDetails(ip, n, e.cfg.WebScanThreshold, e.cfg.WebScanWindow)
	if ev.Host != "" {
		details["host"] = ev.Host
	}
	return &candidate{window: e.cfg.WebScanWindow, alert: store.Alert{
		RuleID:   RuleWebScan,
		Title:    fmt.Sprintf("Web scan: %d not-found responses for %s", n, ip),
		Severity: "medium",
		Details:  details,
		DedupKey: ip,
	}}, nil
}

func windowDetails(ip string, count, threshold int, window time.Duration) map[string]any {
	return map[string]any{
		"src_ip":         ip,
		"count":          count,
		"threshold":      threshold,
		"window_seconds": int(window.Seconds()),
	}
}
