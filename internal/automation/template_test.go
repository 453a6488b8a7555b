package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-courier/internal/models"
)

func TestRender(t *testing.T) {
	out := Render("Dear {{ company_name }},\n{{contact_name}} here. {{ unknown }}!", map[string]string{
		"company_name": "Acme",
		"contact_name": "Sato",
	})
	assert.Equal(t, "Dear Acme,\nSato here. !", out)
}

func TestVariables(t *testing.T) {
	assert.Equal(t, []string{"a", "b_2"}, Variables("{{ b_2 }} {{a}} {{ a }} {{ 9x }}"))
}

func TestTemplateDataOverridesWin(t *testing.T) {
	tpl := models.Template{
		SenderName:  "Sato",
		SenderEmail: "sato@example.com",
		Subject:     "Inquiry for {{ company_name }}",
		Body:        "Hello {{ company_name }}, from {{ contact_name }} on {{ date }}",
		Fields:      map[string]string{"budget": "{{ budget }} JPY"},
	}
	now := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	data := TemplateData(tpl, models.Company{Name: "Acme"}, map[string]string{
		"contact_name": "Suzuki",
		"budget":       "100",
	}, now)

	assert.Equal(t, "Inquiry for Acme", data["subject"])
	assert.Equal(t, "Hello Acme, from Suzuki on 2026-03-04", data["message"])
	assert.Equal(t, "Suzuki", data["contact_name"])
	assert.Equal(t, "100", data["budget"], "request data wins over template fields")
	assert.Equal(t, "sato@example.com", data["email"])
	assert.Equal(t, "3", data["current_month"])
}

func TestFillFields(t *testing.T) {
	form := models.FormDescriptor{Fields: []models.FormField{
		{Name: "your_company", Label: "Company name", Type: "text"},
		{Name: "fullname", Label: "お名前", Type: "text", Required: true},
		{Name: "addr", Label: "Mail address", Type: "text", Required: true},
		{Name: "field_7", Type: "tel"},
		{Name: "body", Type: "textarea", Required: true},
		{Name: "token", Type: "hidden", Required: true},
		{Name: "custom", Type: "text"},
	}}
	data := map[string]string{
		"company_name": "Acme",
		"contact_name": "Sato",
		"email":        "sato@example.com",
		"phone":        "03-1234-5678",
		"message":      "Hello",
		"custom":       "direct",
	}

	values, err := FillFields(form, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"your_company": "Acme",
		"fullname":     "Sato",
		"addr":         "sato@example.com",
		"field_7":      "03-1234-5678",
		"body":         "Hello",
		"custom":       "direct",
	}, values)
}

func TestFillFieldsMissingRequired(t *testing.T) {
	form := models.FormDescriptor{Fields: []models.FormField{
		{Name: "email", Type: "email", Required: true},
		{Name: "department", Label: "Department", Type: "text", Required: true},
	}}
	_, err := FillFields(form, map[string]string{"email": "a@example.com"})
	jobErr, ok := models.AsJobError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorKindValidation, jobErr.Kind)
	assert.Contains(t, jobErr.Message, "department")
}
