package scheduler

import (
	"encoding/json"
	"math"

	"form-courier/internal/models"
)

// Summarize folds member outcomes into the batch view. Members are reported
// in submission order; the interval reported is the effective one, raised to
// the largest delay any contacted site demanded.
func Summarize(parent *models.Job, members []*models.Job) (models.BatchResult, error) {
	var params models.BatchParams
	if err := parent.DecodePayload(&params); err != nil {
		return models.BatchResult{}, err
	}
	byID := make(map[string]*models.Job, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	result := models.BatchResult{
		BatchID:           parent.ID,
		IntervalSeconds:   params.IntervalSeconds,
		Members:           make([]models.BatchMember, 0, len(params.Members)),
		Total:             len(params.Members),
		InvalidCompanyIDs: params.InvalidCompanyIDs,
		Warnings:          parent.Warnings,
		DryRun:            params.DryRun,
	}
	statuses := make([]models.JobStatus, 0, len(params.Members))
	for i, id := range params.Members {
		m, ok := byID[id]
		if !ok {
			// Expired from the store; count it as never started.
			statuses = append(statuses, models.StatusPending)
			result.Members = append(result.Members, models.BatchMember{Index: i, JobID: id, Status: models.StatusPending})
			continue
		}
		statuses = append(statuses, m.Status)
		result.Members = append(result.Members, models.BatchMember{
			Index:     i,
			JobID:     m.ID,
			CompanyID: m.Target.CompanyID,
			Status:    m.Status,
			Error:     m.Error,
		})

		switch m.Status {
		case models.StatusSuccess:
			result.Successful++
		case models.StatusFailure:
			result.Failed++
		case models.StatusRevoked:
			result.Revoked++
		}
		if m.Error != nil && m.Status.IsTerminal() {
			switch m.Error.Kind {
			case models.ErrorKindCaptchaRequired:
				result.CaptchaRequired++
			case models.ErrorKindComplianceBlocked:
				result.Blocked++
			}
		}
		if delay := contactedDelay(m); delay > result.IntervalSeconds {
			result.IntervalSeconds = delay
		}
	}
	result.Status = models.DeriveBatchStatus(statuses)
	if result.Total > 0 {
		result.SuccessRate = math.Round(float64(result.Successful)/float64(result.Total)*1000) / 10
	}
	return result, nil
}

// contactedDelay returns the site delay recorded on a member that got past
// the compliance gate.
func contactedDelay(m *models.Job) float64 {
	if len(m.Result) == 0 || (m.Error != nil && m.Error.Kind == models.ErrorKindComplianceBlocked) {
		return 0
	}
	var res models.SubmitResult
	if err := json.Unmarshal(m.Result, &res); err != nil || res.Compliance == nil {
		return 0
	}
	return res.Compliance.DelaySeconds
}
