package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"berkut-siem/core/store"
)

// Rule is one declarative detection. When is the raw boolean tree as written
// in YAML; it is compiled once at load time.
type Rule struct {
	ID         string   `yaml:"id" json:"id"`
	Title      string   `yaml:"title" json:"title"`
	Severity   string   `yaml:"severity" json:"severity"`
	When       any      `yaml:"when" json:"when"`
	Mitre      any      `yaml:"mitre,omitempty" json:"mitre,omitempty"`
	Tags       []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	SourceFile string   `yaml:"-" json:"source_file,omitempty"`

	cond       node
	leaves     int
	compileErr error
}

var ErrMalformed = errors.New("malformed condition")

type node interface {
	eval(ev *store.Event, re *regexCache) (bool, error)
}

type allNode []node
type anyNode []node

type leafNode struct {
	op    string
	field string
	value string
}

func (n allNode) eval(ev *store.Event, re *regexCache) (bool, error) {
	for _, child := range n {
		ok, err := child.eval(ev, re)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (n anyNode) eval(ev *store.Event, re *regexCache) (bool, error) {
	for _, child := range n {
		ok, err := child.eval(ev, re)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n leafNode) eval(ev *store.Event, re *regexCache) (bool, error) {
	got, ok := ev.Lookup(n.field)
	if !ok {
		return false, nil
	}
	switch n.op {
	case "contains":
		return strings.Contains(got, n.value), nil
	case "equals":
		return got == n.value, nil
	case "regex":
		compiled, err := re.get(n.value)
		if err != nil {
			return false, err
		}
		return compiled.MatchString(got), nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrMalformed, n.op)
}

// Compile parses When into an evaluable tree. A rule that fails to compile
// never matches.
func (r *Rule) Compile() error {
	r.ID = strings.TrimSpace(r.ID)
	r.Severity = strings.ToLower(strings.TrimSpace(r.Severity))
	if r.Severity == "" {
		r.Severity = "medium"
	}
	if r.Title == "" {
		r.Title = r.ID
	}
	if r.ID == "" {
		r.compileErr = fmt.Errorf("%w: rule without id", ErrMalformed)
		return r.compileErr
	}
	r.cond, r.compileErr = compileNode(r.When)
	r.leaves = countLeaves(r.cond)
	return r.compileErr
}

// countLeaves reports how many predicates a tree holds. A rule with none, such as
// a bare all:[], never matches even though an empty all is vacuously true.
func countLeaves(n node) int {
	switch v := n.(type) {
	case allNode:
		total := 0
		for _, c := range v {
			total += countLeaves(c)
		}
		return total
	case anyNode:
		total := 0
		for _, c := range v {
			total += countLeaves(c)
		}
		return total
	case leafNode:
		return 1
	}
	return 0
}

func (r *Rule) Valid() bool {
	return r.cond != nil && r.compileErr == nil
}

func (r *Rule) Err() error {
	return r.compileErr
}

func compileNode(raw any) (node, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected mapping, got %T", ErrMalformed, raw)
	}
	if len(m) != 1 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: node must have exactly one key, got %v", ErrMalformed, keys)
	}
	for op, body := range m {
		switch op {
		case "all", "any":
			items, ok := body.([]any)
			if !ok && body != nil {
				return nil, fmt.Errorf("%w: %s expects a list", ErrMalformed, op)
			}
			children := make([]node, 0, len(items))
			for _, item := range items {
				child, err := compileNode(item)
				if err != nil {
					return nil, err
				}
				children = append(children, child)
			}
			if op == "all" {
				return allNode(children), nil
			}
			return anyNode(children), nil
		case "contains", "equals", "regex":
			return compileLeaf(op, body)
		default:
			return nil, fmt.Errorf("%w: unknown operator %q", ErrMalformed, op)
		}
	}
	return nil, ErrMalformed
}

func compileLeaf(op string, body any) (node, error) {
	args, ok := body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a mapping", ErrMalformed, op)
	}
	field := strings.TrimSpace(store.ScalarString(args["field"]))
	if field == "" {
		return nil, fmt.Errorf("%w: %s without field", ErrMalformed, op)
	}
	key := "value"
	if op == "regex" {
		key = "pattern"
	}
	val, present := args[key]
	if !present || val == nil {
		return nil, fmt.Errorf("%w: %s without %s", ErrMalformed, op, key)
	}
	return leafNode{op: op, field: field, value: store.ScalarString(val)}, nil
}
