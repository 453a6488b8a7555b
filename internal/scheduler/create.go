package scheduler

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"form-courier/internal/models"
	"form-courier/internal/store"
)

// Create stores a batch parent and one PENDING member per company, in the
// given order. params.Members is filled in; the order it records is the
// order Run will contact the companies in. retryOf links a re-run batch to
// the one it replaces. Every job in the batch carries credential.
func Create(ctx context.Context, st *store.JobStore, companies []models.Company, params models.BatchParams, maxRetries int, retryOf, credential string) (*models.Job, []*models.Job, error) {
	if len(companies) == 0 {
		return nil, nil, models.NewJobError(models.ErrorKindValidation, "batch has no valid companies")
	}
	parent, err := models.NewJob(models.JobKindSubmitBatch, models.Target{}, nil, 0)
	if err != nil {
		return nil, nil, err
	}
	parent.RetryOf = retryOf
	parent.Credential = credential

	members := make([]*models.Job, 0, len(companies))
	params.CompanyIDs = make([]int64, 0, len(companies))
	params.Members = make([]string, 0, len(companies))
	for _, company := range companies {
		member, err := models.NewJob(models.JobKindSubmitBatchMember,
			models.Target{CompanyID: company.ID, URL: company.URL},
			models.SubmitParams{
				CompanyID:       company.ID,
				TemplateID:      params.TemplateID,
				DryRun:          params.DryRun,
				ComplianceLevel: params.ComplianceLevel,
			}, maxRetries)
		if err != nil {
			return nil, nil, err
		}
		member.ParentID = parent.ID
		member.Credential = credential
		members = append(members, member)
		params.CompanyIDs = append(params.CompanyIDs, company.ID)
		params.Members = append(params.Members, member.ID)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal batch payload")
	}
	parent.Payload = payload
	if err := st.Create(ctx, parent); err != nil {
		return nil, nil, err
	}
	for _, member := range members {
		if err := st.Create(ctx, member); err != nil {
			return nil, nil, errors.Wrapf(err, "create member for company %d", member.Target.CompanyID)
		}
	}
	return parent, members, nil
}
