package models

// DetectParams is the payload of a detect_forms job.
type DetectParams struct {
	CompanyID       int64           `json:"company_id"`
	ForceRefresh    bool            `json:"force_refresh"`
	ComplianceLevel ComplianceLevel `json:"compliance_level,omitempty"`
}

// SubmitParams is the payload of a submit_single or submit_batch_member job.
// Batch members carry CompanyID and resolve their form at run time; single
// submissions name the form directly.
type SubmitParams struct {
	FormID          int64             `json:"form_id,omitempty"`
	CompanyID       int64             `json:"company_id,omitempty"`
	TemplateID      int64             `json:"template_id"`
	TemplateData    map[string]string `json:"template_data,omitempty"`
	DryRun          bool              `json:"dry_run,omitempty"`
	TakeScreenshot  bool              `json:"take_screenshot,omitempty"`
	ComplianceLevel ComplianceLevel   `json:"compliance_level,omitempty"`
}

// BatchParams is the payload of a submit_batch parent job.
type BatchParams struct {
	CompanyIDs        []int64         `json:"company_ids"`
	InvalidCompanyIDs []int64         `json:"invalid_company_ids,omitempty"`
	TemplateID        int64           `json:"template_id"`
	IntervalSeconds   float64         `json:"interval_seconds"`
	ComplianceLevel   ComplianceLevel `json:"compliance_level"`
	DryRun            bool            `json:"dry_run,omitempty"`
	// Members holds the member job ids in contractual submission order.
	Members []string `json:"members"`
}
