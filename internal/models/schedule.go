package models

import "time"

// DefaultScheduleIntervalSeconds spaces the members of a batch started by a
// schedule when the schedule does not set its own interval.
const DefaultScheduleIntervalSeconds = 30.0

// Schedule starts a batch submission on every tick of a cron expression.
// Version guards every write the same way it does for jobs.
type Schedule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	TemplateID      int64           `json:"template_id"`
	CompanyIDs      []int64         `json:"company_ids"`
	CronExpression  string          `json:"cron_expression"`
	Enabled         bool            `json:"enabled"`
	IntervalSeconds float64         `json:"interval_seconds"`
	ComplianceLevel ComplianceLevel `json:"compliance_level,omitempty"`
	TestMode        bool            `json:"test_mode,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastBatchID     string          `json:"last_batch_id,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.CompanyIDs = append([]int64(nil), s.CompanyIDs...)
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		c.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}

// Due reports whether an enabled schedule should fire at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now)
}
