package edr

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	dangerousObject = "dangerous_action"
	anonymous       = "anonymous"
)

const gateModel = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (p.sub == "*" || r.sub == p.sub) && r.obj == p.obj
`

// Gate decides who may request dangerous actions. An empty allowlist denies everyone.
type Gate struct {
	enforcer *casbin.Enforcer
	entries  []string
}

func NewGate(allowlist []string) (*Gate, error) {
	m, err := model.NewModelFromString(gateModel)
	if err != nil {
		return nil, fmt.Errorf("gate model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("gate enforcer: %w", err)
	}
	g := &Gate{enforcer: e}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, err := e.AddPolicy(entry, dangerousObject); err != nil {
			return nil, fmt.Errorf("gate policy %q: %w", entry, err)
		}
		g.entries = append(g.entries, entry)
	}
	return g, nil
}

func (g *Gate) Allowed(requestedBy string) bool {
	if g == nil {
		return false
	}
	requestedBy = strings.TrimSpace(requestedBy)
	if requestedBy == "" {
		requestedBy = anonymous
	}
	ok, err := g.enforcer.Enforce(requestedBy, dangerousObject)
	return err == nil && ok
}

func (g *Gate) Entries() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.entries...)
}
