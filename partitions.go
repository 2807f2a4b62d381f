package partbackup

import (
	"regexp"
	"sort"
	"strings"
)

var partitionNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidatePartitionName rejects names that are empty, contain a path
// separator, or carry characters unsafe to splice into a remote command.
func ValidatePartitionName(name string) error {
	switch {
	case name == "":
		return newError(KindInvalidRequest, "empty partition name", nil)
	case strings.ContainsAny(name, `/\`):
		return newError(KindInvalidRequest, "partition name contains a path separator: "+name, nil)
	case name == "." || name == "..":
		return newError(KindInvalidRequest, "invalid partition name: "+name, nil)
	case !partitionNamePattern.MatchString(name):
		return newError(KindInvalidRequest, "unsupported characters in partition name: "+name, nil)
	}
	return nil
}

// normalizePartitions deduplicates and sorts scanned names lexically.
func normalizePartitions(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	result := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// PartitionRecord is one scanned partition together with its default
// selection.
type PartitionRecord struct {
	Name     string `json:"name"`
	Risky    bool   `json:"risky"`
	Selected bool   `json:"selected"`
}

// RiskPolicy decides which partitions default to unselected.
type RiskPolicy struct {
	risky map[string]struct{}
}

// NewRiskPolicy builds a policy from partition names; matching is
// case-insensitive. An empty list falls back to DefaultRiskyPartitions.
func NewRiskPolicy(names []string) RiskPolicy {
	if len(names) == 0 {
		names = DefaultRiskyPartitions
	}
	risky := make(map[string]struct{}, len(names))
	for _, name := range names {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			risky[trimmed] = struct{}{}
		}
	}
	return RiskPolicy{risky: risky}
}

// IsRisky reports whether name belongs to the risky set.
func (p RiskPolicy) IsRisky(name string) bool {
	if p.risky == nil {
		p = NewRiskPolicy(nil)
	}
	_, ok := p.risky[strings.ToLower(name)]
	return ok
}

// Classify turns scanned names into records with their default selection.
func (p RiskPolicy) Classify(names []string) []PartitionRecord {
	records := make([]PartitionRecord, 0, len(names))
	for _, name := range names {
		risky := p.IsRisky(name)
		records = append(records, PartitionRecord{Name: name, Risky: risky, Selected: !risky})
	}
	return records
}

// SelectAll marks every record selected.
func SelectAll(records []PartitionRecord) {
	for i := range records {
		records[i].Selected = true
	}
}

// InvertSelection flips every record.
func InvertSelection(records []PartitionRecord) {
	for i := range records {
		records[i].Selected = !records[i].Selected
	}
}

// SelectDefault restores the risk-based default selection.
func SelectDefault(records []PartitionRecord) {
	for i := range records {
		records[i].Selected = !records[i].Risky
	}
}

// SelectedNames returns the selected partition names in record order.
func SelectedNames(records []PartitionRecord) []string {
	names := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Selected {
			names = append(names, rec.Name)
		}
	}
	return names
}
