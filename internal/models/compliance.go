package models

import "strings"

// ComplianceLevel is the operator-selected strictness of the compliance gate.
type ComplianceLevel string

const (
	ComplianceStrict     ComplianceLevel = "strict"
	ComplianceModerate   ComplianceLevel = "moderate"
	CompliancePermissive ComplianceLevel = "permissive"
)

// ParseComplianceLevel accepts a level case-insensitively. An empty string
// yields fallback.
func ParseComplianceLevel(s string, fallback ComplianceLevel) (ComplianceLevel, bool) {
	if strings.TrimSpace(s) == "" {
		return fallback, true
	}
	switch level := ComplianceLevel(strings.ToLower(strings.TrimSpace(s))); level {
	case ComplianceStrict, ComplianceModerate, CompliancePermissive:
		return level, true
	default:
		return "", false
	}
}

// ComplianceDecision is the verdict for contacting one URL at one level.
// Allowed == false means the target must not be contacted. DelaySeconds is the
// minimum spacing to honour before and after contacting the target.
type ComplianceDecision struct {
	URL             string          `json:"url"`
	Level           ComplianceLevel `json:"compliance_level"`
	Allowed         bool            `json:"allowed"`
	DelaySeconds    float64         `json:"delay_seconds"`
	Warnings        []string        `json:"warnings"`
	Errors          []string        `json:"errors"`
	Recommendations []string        `json:"recommendations"`
}
