package models

import (
	"hash/fnv"
	"strconv"
	"time"
)

// FormField is one input of a detected contact form.
type FormField struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Selector string   `json:"selector,omitempty"`
	Label    string   `json:"label,omitempty"`
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// FormDescriptor describes a contact form found on a target site.
type FormDescriptor struct {
	ID             int64       `json:"id"`
	CompanyID      int64       `json:"company_id"`
	URL            string      `json:"url"`
	SubmitSelector string      `json:"submit_selector,omitempty"`
	HasCaptcha     bool        `json:"has_captcha,omitempty"`
	Fields         []FormField `json:"fields"`
	DetectedAt     time.Time   `json:"detected_at"`
}

// FormID derives a stable identifier for a form so repeated detections of the
// same form on the same company map to the same ledger node.
func FormID(companyID int64, url, submitSelector string) int64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(companyID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(submitSelector))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// FormsDetected is the ledger event written after a successful detection.
type FormsDetected struct {
	JobID      string           `json:"job_id"`
	CompanyID  int64            `json:"company_id"`
	Forms      []FormDescriptor `json:"forms"`
	DetectedAt time.Time        `json:"detected_at"`
}

// DetectResult is the job result of a detect_forms job.
type DetectResult struct {
	CompanyID  int64            `json:"company_id"`
	CompanyURL string           `json:"company_url"`
	Existing   bool             `json:"existing,omitempty"`
	FormsCount int              `json:"forms_count"`
	Forms      []FormDescriptor `json:"forms"`
}
