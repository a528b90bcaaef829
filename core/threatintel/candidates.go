package threatintel

import (
	"regexp"
	"strings"

	"berkut-siem/core/normalize"
)

const (
	TypeIP     = "ip"
	TypeDomain = "domain"
	TypeSHA256 = "sha256"

	maxCandidatesPerType = 200
)

var (
	ipv4Re   = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)
	domainRe = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\b`)
	sha256Re = regexp.MustCompile(`\b[A-Fa-f0-9]{64}\b`)
)

// Candidates are the indicator-shaped strings found in one event.
type Candidates struct {
	IP     []string `json:"ip"`
	Domain []string `json:"domain"`
	SHA256 []string `json:"sha256"`
}

func (c Candidates) Empty() bool {
	return len(c.IP) == 0 && len(c.Domain) == 0 && len(c.SHA256) == 0
}

// ByType returns the candidate list for an IOC type.
func (c Candidates) ByType(t string) []string {
	switch t {
	case TypeIP:
		return c.IP
	case TypeDomain:
		return c.Domain
	case TypeSHA256:
		return c.SHA256
	}
	return nil
}

// ExtractCandidates scans the message and every scalar or list value in fields.
// Each type is deduplicated, lower-cased and capped.
func ExtractCandidates(message string, fields map[string]any) Candidates {
	texts := append([]string{message}, normalize.FieldStrings(fields)...)
	ips := newBucket()
	domains := newBucket()
	hashes := newBucket()
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, m := range ipv4Re.FindAllString(text, -1) {
			ips.add(m)
		}
		for _, m := range sha256Re.FindAllString(text, -1) {
			hashes.add(strings.ToLower(m))
		}
		for _, m := range domainRe.FindAllString(text, -1) {
			d := strings.ToLower(strings.TrimSuffix(m, "."))
			if isLocalName(d) {
				continue
			}
			domains.add(d)
		}
	}
	return Candidates{IP: ips.items, Domain: domains.items, SHA256: hashes.items}
}

func isLocalName(d string) bool {
	return d == "localhost" || strings.HasSuffix(d, ".localhost") || d == "localhost.localdomain"
}

type bucket struct {
	seen  map[string]struct{}
	items []string
}

func newBucket() *bucket {
	return &bucket{seen: map[string]struct{}{}, items: []string{}}
}

func (b *bucket) add(v string) {
	if len(b.items) >= maxCandidatesPerType {
		return
	}
	if _, ok := b.seen[v]; ok {
		return
	}
	b.seen[v] = struct{}{}
	b.items = append(b.items, v)
}
