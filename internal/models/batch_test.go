package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveBatchStatus(t *testing.T) {
	cases := []struct {
		name    string
		members []JobStatus
		want    JobStatus
	}{
		{"all pending", []JobStatus{StatusPending, StatusPending}, StatusPending},
		{"first started", []JobStatus{StatusStarted, StatusPending}, StatusStarted},
		{"one done one pending", []JobStatus{StatusSuccess, StatusPending}, StatusStarted},
		{"retrying member", []JobStatus{StatusSuccess, StatusRetry}, StatusStarted},
		{"all success", []JobStatus{StatusSuccess, StatusSuccess, StatusSuccess}, StatusSuccess},
		{"mixed", []JobStatus{StatusSuccess, StatusFailure}, StatusPartialFailure},
		{"success and revoked", []JobStatus{StatusSuccess, StatusRevoked}, StatusPartialFailure},
		{"all failed", []JobStatus{StatusFailure, StatusFailure}, StatusFailure},
		{"failed and revoked", []JobStatus{StatusFailure, StatusRevoked}, StatusFailure},
		{"empty", nil, StatusFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveBatchStatus(tc.members))
		})
	}
}

func TestParseComplianceLevel(t *testing.T) {
	level, ok := ParseComplianceLevel(" Strict ", ComplianceModerate)
	assert.True(t, ok)
	assert.Equal(t, ComplianceStrict, level)

	level, ok = ParseComplianceLevel("", ComplianceModerate)
	assert.True(t, ok)
	assert.Equal(t, ComplianceModerate, level)

	_, ok = ParseComplianceLevel("lenient", ComplianceModerate)
	assert.False(t, ok)
}
