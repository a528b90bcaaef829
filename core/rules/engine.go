package rules

import (
	"sync"
	"time"

	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

type Engine struct {
	mu      sync.RWMutex
	rules   []Rule
	regexes *regexCache
	logger  *utils.Logger
	now     func() time.Time
}

func NewEngine(rules []Rule, logger *utils.Logger) *Engine {
	e := &Engine{regexes: newRegexCache(0), logger: logger, now: time.Now}
	e.SetRules(rules)
	return e
}

// SetRules swaps the active rule set. Uncompiled rules are compiled here.
func (e *Engine) SetRules(rules []Rule) {
	compiled := compileAll(rules)
	if dropped := len(rules) - len(compiled); dropped > 0 {
		e.logger.Errorf("rules: %d invalid rules dropped", dropped)
	}
	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
}

// Reload replaces the rule set from path. On error the current set is kept.
func (e *Engine) Reload(path string) (int, error) {
	loaded, err := LoadRules(path, e.logger)
	if err != nil {
		return 0, err
	}
	e.SetRules(loaded)
	return len(loaded), nil
}

func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Match evaluates every rule against ev in load order and returns one alert per
// matching rule. Evaluation errors disable only the offending rule for this event.
func (e *Engine) Match(ev *store.Event) []store.Alert {
	if ev == nil {
		return nil
	}
	e.mu.RLock()
	active := e.rules
	e.mu.RUnlock()

	var alerts []store.Alert
	ts := float64(e.now().UnixNano()) / 1e9
	for i := range active {
		r := &active[i]
		if r.leaves == 0 {
			continue
		}
		ok, err := r.cond.eval(ev, e.regexes)
		if err != nil {
			e.logger.Debugf("rules: %s on event %d: %v", r.ID, ev.ID, err)
			continue
		}
		if !ok {
			continue
		}
		alerts = append(alerts, store.Alert{
			TS:       ts,
			RuleID:   r.ID,
			Title:    r.Title,
			Severity: r.Severity,
			EventID:  ev.ID,
			Details:  ruleDetails(r),
		})
	}
	return alerts
}

func ruleDetails(r *Rule) map[string]any {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"rule_title": r.Title,
		"when":       r.When,
		"mitre":      r.Mitre,
		"tags":       tags,
	}
}

var sharedRegexes = newRegexCache(0)

// Match evaluates rules against ev without an Engine.
func Match(ev *store.Event, rules []Rule) []store.Alert {
	e := &Engine{rules: compileAll(rules), regexes: sharedRegexes, now: time.Now}
	return e.Match(ev)
}

func compileAll(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.cond == nil && r.compileErr == nil {
			_ = r.Compile()
		}
		if r.Valid() {
			out = append(out, r)
		}
	}
	return out
}
