// Package normalize maps raw log lines and fields onto the common field
// vocabulary used by rules, correlation and pivots.
package normalize

import (
	"strings"
)

type Input struct {
	Source  string
	Message string
	Fields  map[string]any
	Host    string
}

// Recognizer inspects one log format. Match returns the inferred fields and
// true when the format is recognized.
type Recognizer struct {
	Name  string
	Match func(in Input) (map[string]any, bool)
}

// Default is the ordered recognizer ladder. New formats are appended; the
// first recognizer that matches wins.
var Default = []Recognizer{
	{Name: "sshd", Match: matchSSHD},
	{Name: "sudo", Match: matchSudo},
	{Name: "firewall", Match: matchFirewall},
	{Name: "web_access", Match: matchWebAccess},
	{Name: "dns", Match: matchDNS},
	{Name: "dhcp", Match: matchDHCP},
	{Name: "windows", Match: matchWindows},
	{Name: "flow", Match: matchFlow},
}

// Normalize runs the default ladder. The input map is never modified; the
// returned map holds every input key plus inferred keys that were absent.
func Normalize(source, message string, fields map[string]any, host string) (string, map[string]any) {
	return NormalizeWith(Default, source, message, fields, host)
}

func NormalizeWith(ladder []Recognizer, source, message string, fields map[string]any, host string) (string, map[string]any) {
	in := Input{Source: source, Message: strings.TrimRight(message, "\r\n"), Fields: fields, Host: host}
	out := make(map[string]any, len(fields)+8)
	for k, v := range fields {
		out[k] = v
	}
	if r, inferred := recognize(ladder, in); r != "" {
		for k, v := range inferred {
			if _, exists := out[k]; exists {
				continue
			}
			out[k] = v
		}
	}
	return message, out
}

// Recognize reports which recognizer of the default ladder matches, or "".
func Recognize(source, message string, fields map[string]any, host string) string {
	name, _ := recognize(Default, Input{Source: source, Message: strings.TrimRight(message, "\r\n"), Fields: fields, Host: host})
	return name
}

func recognize(ladder []Recognizer, in Input) (string, map[string]any) {
	for _, r := range ladder {
		if inferred, ok := r.Match(in); ok {
			return r.Name, inferred
		}
	}
	return "", nil
}
