package models

// WarningRateLimitAdjusted prefixes the warning recorded on a batch when the
// compliance gate demanded more spacing than the configured interval.
const WarningRateLimitAdjusted = "RATE_LIMIT_ADJUSTED"

// BatchMember is one row of a batch breakdown.
type BatchMember struct {
	Index     int       `json:"index"`
	JobID     string    `json:"job_id"`
	CompanyID int64     `json:"company_id"`
	Status    JobStatus `json:"status"`
	Error     *JobError `json:"error,omitempty"`
}

// BatchResult is the aggregate view of a BatchJob.
type BatchResult struct {
	BatchID           string        `json:"batch_id"`
	Status            JobStatus     `json:"status"`
	IntervalSeconds   float64       `json:"interval_seconds"`
	Members           []BatchMember `json:"members"`
	Total             int           `json:"total"`
	Successful        int           `json:"successful"`
	Failed            int           `json:"failed"`
	CaptchaRequired   int           `json:"captcha_required"`
	Blocked           int           `json:"blocked"`
	Revoked           int           `json:"revoked"`
	SuccessRate       float64       `json:"success_rate"`
	InvalidCompanyIDs []int64       `json:"invalid_company_ids,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
	DryRun            bool          `json:"dry_run,omitempty"`
}

// DeriveBatchStatus computes a batch's status from its member statuses:
// PENDING until a member leaves PENDING, STARTED while any member is not
// terminal, then SUCCESS, PARTIAL_FAILURE or FAILURE.
func DeriveBatchStatus(members []JobStatus) JobStatus {
	if len(members) == 0 {
		return StatusFailure
	}
	allPending := true
	succeeded, unsuccessful := 0, 0
	for _, s := range members {
		if s != StatusPending {
			allPending = false
		}
		if !s.IsTerminal() {
			continue
		}
		if s == StatusSuccess {
			succeeded++
		} else {
			unsuccessful++
		}
	}
	switch {
	case allPending:
		return StatusPending
	case succeeded+unsuccessful < len(members):
		return StatusStarted
	case unsuccessful == 0:
		return StatusSuccess
	case succeeded > 0:
		return StatusPartialFailure
	default:
		return StatusFailure
	}
}
