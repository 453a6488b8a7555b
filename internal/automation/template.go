package automation

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"form-courier/internal/models"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Render replaces {{ name }} placeholders with values from vars. Unknown
// names render as the empty string.
func Render(text string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

// Variables lists the distinct placeholder names used in text, sorted.
func Variables(text string) []string {
	seen := map[string]struct{}{}
	for _, m := range placeholder.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TemplateData assembles the variables available to a template for one
// target. Request overrides win over template defaults; subject, message and
// the template's field values are rendered against the merged set.
func TemplateData(tpl models.Template, company models.Company, overrides map[string]string, now time.Time) map[string]string {
	vars := map[string]string{
		"company_name":   company.Name,
		"company_url":    company.URL,
		"contact_name":   tpl.SenderName,
		"sender_company": tpl.SenderCompany,
		"email":          tpl.SenderEmail,
		"phone":          tpl.SenderPhone,
		"date":           now.Format("2006-01-02"),
		"current_year":   strconv.Itoa(now.Year()),
		"current_month":  strconv.Itoa(int(now.Month())),
		"current_day":    strconv.Itoa(now.Day()),
	}
	for k, v := range overrides {
		vars[k] = v
	}

	data := make(map[string]string, len(vars)+len(tpl.Fields)+2)
	for k, v := range vars {
		data[k] = v
	}
	if _, ok := overrides["subject"]; !ok {
		data["subject"] = Render(tpl.Subject, vars)
	}
	if _, ok := overrides["message"]; !ok {
		data["message"] = Render(tpl.Body, vars)
	}
	for name, value := range tpl.Fields {
		if _, ok := overrides[name]; ok {
			continue
		}
		data[name] = Render(value, vars)
	}
	return data
}

var labelRules = []struct {
	keywords []string
	keys     []string
}{
	{[]string{"会社名", "企業名", "company", "corporation", "organization"}, []string{"sender_company", "company_name"}},
	{[]string{"名前", "お名前", "担当者", "name", "contact"}, []string{"contact_name"}},
	{[]string{"メール", "email", "mail"}, []string{"email"}},
	{[]string{"電話", "tel", "phone"}, []string{"phone"}},
	{[]string{"件名", "subject", "title"}, []string{"subject"}},
	{[]string{"内容", "メッセージ", "問い合わせ", "message", "inquiry", "content"}, []string{"message"}},
}

var typeRules = map[string]string{
	"email":    "email",
	"tel":      "phone",
	"textarea": "message",
}

// FillFields chooses a value for every field of form: by exact field name,
// then by label keywords, then by input type. A required field without a
// value is a validation error, identical for dry and real runs.
func FillFields(form models.FormDescriptor, data map[string]string) (map[string]string, error) {
	values := make(map[string]string, len(form.Fields))
	var missing []string
	for _, field := range form.Fields {
		switch strings.ToLower(field.Type) {
		case "hidden", "submit", "button", "image", "reset":
			continue
		}
		value, ok := valueFor(field, data)
		if ok && value != "" {
			values[field.Name] = value
			continue
		}
		if field.Required {
			missing = append(missing, field.Name)
		}
	}
	if len(missing) > 0 {
		return values, models.NewJobError(models.ErrorKindValidation,
			"no value for required fields: %s", strings.Join(missing, ", "))
	}
	return values, nil
}

func valueFor(field models.FormField, data map[string]string) (string, bool) {
	if v, ok := data[field.Name]; ok {
		return v, true
	}
	if field.Label != "" {
		label := strings.ToLower(field.Label)
		for _, rule := range labelRules {
			if !containsKeyword(label, rule.keywords) {
				continue
			}
			for _, key := range rule.keys {
				if v := data[key]; v != "" {
					return v, true
				}
			}
			break
		}
	}
	if key, ok := typeRules[strings.ToLower(field.Type)]; ok {
		v, found := data[key]
		return v, found
	}
	return "", false
}

func containsKeyword(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
