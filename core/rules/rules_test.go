package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"berkut-siem/core/store"
)

func compileOne(t *testing.T, doc string) []Rule {
	t.Helper()
	parsed, err := ParseRules([]byte(doc))
	require.NoError(t, err)
	for i := range parsed {
		require.NoError(t, parsed[i].Compile())
	}
	return parsed
}

func sshFailure() *store.Event {
	ev := &store.Event{
		ID:      7,
		TS:      1700000000,
		Source:  "syslog",
		Host:    "web-1",
		Message: "sshd[1]: Failed password for root from 10.0.0.5 port 22 ssh2",
		Fields: map[string]any{
			"log_type":      "sshd",
			"event_outcome": "failure",
			"user":          "root",
			"src_ip":        "10.0.0.5",
			"src_port":      json.Number("22"),
			"custom":        "alpha-beta",
		},
	}
	ev.DerivePivots()
	return ev
}

func TestMatchLeaves(t *testing.T) {
	tests := []struct {
		name  string
		when  string
		match bool
	}{
		{"equals pivot", `equals: {field: user, value: root}`, true},
		{"equals mismatch", `equals: {field: user, value: admin}`, false},
		{"contains message", `contains: {field: message, value: "Failed password"}`, true},
		{"contains fields fallback", `contains: {field: custom, value: "-bet"}`, true},
		{"regex search not fullmatch", `regex: {field: message, pattern: 'from 10\.0\.0\.\d+'}`, true},
		{"numeric coercion", `equals: {field: src_port, value: 22}`, true},
		{"top level host", `equals: {field: host, value: web-1}`, true},
		{"missing field", `equals: {field: nope, value: ""}`, false},
		{"any one of", "any:\n  - equals: {field: user, value: x}\n  - equals: {field: user, value: root}", true},
		{"all requires every", "all:\n  - equals: {field: user, value: root}\n  - equals: {field: host, value: other}", false},
	}
	ev := sshFailure()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := "- id: r1\n  title: t\n  severity: HIGH\n  when:\n" + indent(tt.when, "    ")
			rules := compileOne(t, doc)
			alerts := Match(ev, rules)
			if !tt.match {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, "r1", alerts[0].RuleID)
			assert.Equal(t, "high", alerts[0].Severity)
			assert.Equal(t, int64(7), alerts[0].EventID)
		})
	}
}

func TestEmptyCompositesNeverMatch(t *testing.T) {
	ev := sshFailure()
	for _, when := range []string{"all: []", "any: []", "all:\n  - any: []"} {
		rules := compileOne(t, "- id: empty\n  when:\n"+indent(when, "    "))
		assert.Empty(t, Match(ev, rules), when)
	}
}

func TestNestedEmptyAllIsVacuouslyTrue(t *testing.T) {
	rules := compileOne(t, `
- id: nested
  when:
    all:
      - all: []
      - equals: {field: user, value: root}
`)
	assert.Len(t, Match(sshFailure(), rules), 1)
}

func TestBadRuleDoesNotAbortOthers(t *testing.T) {
	good := compileOne(t, "- id: good\n  when:\n    equals: {field: user, value: root}")
	bad := compileOne(t, "- id: bad_regex\n  when:\n    regex: {field: message, pattern: '(['}")
	rules := append(bad, good...)

	alerts := Match(sshFailure(), rules)
	require.Len(t, alerts, 1)
	assert.Equal(t, "good", alerts[0].RuleID)
}

func TestCompileRejectsMalformed(t *testing.T) {
	cases := []string{
		"- id: x\n  when: {bogus: {field: a, value: b}}",
		"- id: x\n  when: {equals: {value: b}}",
		"- id: x\n  when: {all: {equals: {field: a, value: b}}}",
		"- id: x\n  when: {equals: {field: a, value: b}, contains: {field: a, value: b}}",
		"- title: no id\n  when: {equals: {field: a, value: b}}",
		"- id: x\n  when: {not: {equals: {field: a, value: b}}}",
		"- id: x\n  when: {in: {field: a, value: [b, c]}}",
		"- id: x\n  when: {exists: {field: a}}",
		"- id: x\n  when: {cidr: {field: src_ip, value: 10.0.0.0/8}}",
		"- id: x\n  when: {gte: {field: http_status, value: 500}}",
	}
	for _, doc := range cases {
		parsed, err := ParseRules([]byte(doc))
		require.NoError(t, err)
		require.Len(t, parsed, 1)
		assert.Error(t, parsed[0].Compile(), doc)
		assert.False(t, parsed[0].Valid())
	}
}

func TestAlertDetailsCarryConditionAndMitre(t *testing.T) {
	rules := compileOne(t, `
rules:
  - id: root_fail
    title: Root login failed
    mitre: {tactic: TA0006, technique: T1110}
    tags: [ssh]
    when:
      all:
        - equals: {field: user, value: root}
`)
	alerts := Match(sshFailure(), rules)
	require.Len(t, alerts, 1)
	d := alerts[0].Details
	assert.Equal(t, "Root login failed", d["rule_title"])
	assert.Equal(t, []string{"ssh"}, d["tags"])
	assert.Equal(t, map[string]any{"tactic": "TA0006", "technique": "T1110"}, d["mitre"])
	assert.NotNil(t, d["when"])
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Greater(t, alerts[0].TS, float64(1700000000))

	_, err := json.Marshal(d)
	assert.NoError(t, err)
}

func TestLoadRulesDirectory(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	write("a.yml", "rules:\n  - id: a1\n    when: {equals: {field: user, value: root}}\n")
	write("b.yaml", "- id: b1\n  when: {contains: {field: message, value: sshd}}\n- id: broken\n  when: {nope: 1}\n")
	write("c.yml", "- id: a1\n  when: {equals: {field: user, value: dup}}\n")
	write("notes.txt", "ignored")
	write("garbage.yml", ":\n  - [")

	loaded, err := LoadRules(dir, nil)
	require.NoError(t, err)
	ids := make([]string, 0, len(loaded))
	for _, r := range loaded {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a1", "b1"}, ids)
	assert.Equal(t, filepath.Join(dir, "a.yml"), loaded[0].SourceFile)

	_, err = LoadRules(filepath.Join(dir, "missing"), nil)
	assert.Error(t, err)
}

func TestDefaultRulesCompile(t *testing.T) {
	loaded, err := LoadRules(filepath.Join("..", "..", "rules", "default.yml"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, loaded)

	e := NewEngine(loaded, nil)
	alerts := e.Match(sshFailure())
	require.NotEmpty(t, alerts)
	assert.Equal(t, "ssh_root_login_failed", alerts[0].RuleID)
}

func TestEngineRegexCacheReuse(t *testing.T) {
	rules := compileOne(t, "- id: r\n  when: {regex: {field: message, pattern: 'sshd'}}")
	e := NewEngine(rules, nil)
	for i := 0; i < 5; i++ {
		require.Len(t, e.Match(sshFailure()), 1)
	}
	assert.Equal(t, 1, e.regexes.Len())
}

func indent(s, prefix string) string {
	out := prefix
	for _, c := range s {
		out += string(c)
		if c == '\n' {
			out += prefix
		}
	}
	return out + "\n"
}
