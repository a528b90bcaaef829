package mdr

import "strings"

var severityRanks = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// SeverityRank orders severities low<medium<high<critical. Unknown values rank 0.
func SeverityRank(severity string) int {
	return severityRanks[strings.ToLower(strings.TrimSpace(severity))]
}

func ValidSeverity(severity string) bool {
	return SeverityRank(severity) > 0
}

// ShouldAutoOpen reports whether an alert of the given severity opens an incident.
func ShouldAutoOpen(enabled bool, minSeverity, severity string) bool {
	if !enabled {
		return false
	}
	min := SeverityRank(minSeverity)
	if min == 0 {
		min = severityRanks["high"]
	}
	rank := SeverityRank(severity)
	return rank > 0 && rank >= min
}
