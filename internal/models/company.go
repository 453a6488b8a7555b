package models

// Company is a registered target.
type Company struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Template is an inquiry template. Body and Subject may contain {{ name }}
// placeholders; Fields maps form field names to static values or placeholders.
type Template struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	SenderName    string            `json:"sender_name,omitempty"`
	SenderEmail   string            `json:"sender_email,omitempty"`
	SenderPhone   string            `json:"sender_phone,omitempty"`
	SenderCompany string            `json:"sender_company,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	Body          string            `json:"body"`
	Fields        map[string]string `json:"fields,omitempty"`
}
