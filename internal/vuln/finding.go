// Package vuln models image-scan findings and extracts the CVE ids they reference.
package vuln

import (
	"regexp"
	"sort"
	"strings"
)

// Severity defines the severity level of a finding.
type Severity string

const (
	SeverityCritical      Severity = "CRITICAL"
	SeverityHigh          Severity = "HIGH"
	SeverityMedium        Severity = "MEDIUM"
	SeverityLow           Severity = "LOW"
	SeverityInformational Severity = "INFORMATIONAL"
)

var severityRank = map[Severity]int{
	SeverityCritical:      0,
	SeverityHigh:          1,
	SeverityMedium:        2,
	SeverityLow:           3,
	SeverityInformational: 4,
}

// ParseSeverity normalizes a severity string. Unknown values map to INFORMATIONAL.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; ok {
		return sev
	}
	return SeverityInformational
}

// Finding is one vulnerability reported by the external image scanner.
type Finding struct {
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	URI         *string  `json:"uri"`
	Remediation *string  `json:"remediation"`
}

var cvePattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d+`)

// FindCVE returns the first CVE id in s, upper-cased, or "" when there is none.
func FindCVE(s string) string {
	return strings.ToUpper(cvePattern.FindString(s))
}

// ExtractCVEs collects every CVE id mentioned in the findings' name, description and uri.
// Ids are upper-cased and returned once each, in order of first appearance.
func ExtractCVEs(findings []Finding) []string {
	seen := make(map[string]struct{})
	out := []string{}
	add := func(text string) {
		for _, m := range cvePattern.FindAllString(text, -1) {
			id := strings.ToUpper(m)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, f := range findings {
		add(f.Name)
		add(f.Description)
		if f.URI != nil {
			add(*f.URI)
		}
	}
	return out
}

// NormalizeCVEs trims and upper-cases ids, dropping blanks and repeats. Order of first appearance is kept.
func NormalizeCVEs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := []string{}
	for _, id := range ids {
		id = strings.ToUpper(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// SortBySeverity orders findings from CRITICAL to INFORMATIONAL, keeping input order within a level.
func SortBySeverity(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return rank(findings[i].Severity) < rank(findings[j].Severity)
	})
}

// CountBySeverity tallies findings per severity level.
func CountBySeverity(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int, len(severityRank))
	for _, f := range findings {
		counts[ParseSeverity(string(f.Severity))]++
	}
	return counts
}

func rank(s Severity) int {
	if r, ok := severityRank[ParseSeverity(string(s))]; ok {
		return r
	}
	return len(severityRank)
}
