package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"form-courier/internal/models"
)

// ErrNotFound is returned when a catalog entity does not exist.
var ErrNotFound = errors.New("catalog entity not found")

const (
	companyQuery = "MATCH (c:Company {id: $id}) " +
		"RETURN c.id AS id, c.name AS name, c.url AS url"
	companiesQuery = "MATCH (c:Company) WHERE c.id IN $ids " +
		"RETURN c.id AS id, c.name AS name, c.url AS url"
	formReturn = " RETURN f.id AS id, f.company_id AS company_id, f.url AS url, " +
		"f.submit_selector AS submit_selector, f.has_captcha AS has_captcha, " +
		"f.fields AS fields, f.detected_at AS detected_at"
	formQuery        = "MATCH (f:Form {id: $id})" + formReturn
	companyFormQuery = "MATCH (:Company {id: $company_id})-[:HAS_FORM]->(f:Form)" + formReturn +
		" ORDER BY f.detected_at, f.id"
	templateQuery = "MATCH (t:Template {id: $id}) " +
		"RETURN t.id AS id, t.name AS name, t.sender_name AS sender_name, " +
		"t.sender_email AS sender_email, t.sender_phone AS sender_phone, " +
		"t.sender_company AS sender_company, t.subject AS subject, t.body AS body, t.fields AS fields"
)

// Catalog reads companies, forms and templates from Neo4j.
type Catalog struct {
	driver DriverSessioner
}

// NewCatalog returns a catalog reading through driver.
func NewCatalog(driver DriverSessioner) *Catalog {
	return &Catalog{driver: driver}
}

// Company returns one company.
func (c *Catalog) Company(ctx context.Context, id int64) (models.Company, error) {
	rows, err := collectRows(ctx, c.driver, companyQuery, map[string]any{"id": id})
	if err != nil {
		return models.Company{}, errors.Wrapf(err, "load company %d", id)
	}
	if len(rows) == 0 {
		return models.Company{}, errors.Wrapf(ErrNotFound, "company %d", id)
	}
	return companyFromRow(rows[0]), nil
}

// Companies returns the companies among ids that exist, keyed by id.
func (c *Catalog) Companies(ctx context.Context, ids []int64) (map[int64]models.Company, error) {
	rows, err := collectRows(ctx, c.driver, companiesQuery, map[string]any{"ids": ids})
	if err != nil {
		return nil, errors.Wrap(err, "load companies")
	}
	out := make(map[int64]models.Company, len(rows))
	for _, row := range rows {
		company := companyFromRow(row)
		out[company.ID] = company
	}
	return out, nil
}

// Form returns one detected form.
func (c *Catalog) Form(ctx context.Context, id int64) (models.FormDescriptor, error) {
	rows, err := collectRows(ctx, c.driver, formQuery, map[string]any{"id": id})
	if err != nil {
		return models.FormDescriptor{}, errors.Wrapf(err, "load form %d", id)
	}
	if len(rows) == 0 {
		return models.FormDescriptor{}, errors.Wrapf(ErrNotFound, "form %d", id)
	}
	return formFromRow(rows[0])
}

// FormsForCompany returns the forms detected for a company, oldest first.
func (c *Catalog) FormsForCompany(ctx context.Context, companyID int64) ([]models.FormDescriptor, error) {
	rows, err := collectRows(ctx, c.driver, companyFormQuery, map[string]any{"company_id": companyID})
	if err != nil {
		return nil, errors.Wrapf(err, "load forms of company %d", companyID)
	}
	forms := make([]models.FormDescriptor, 0, len(rows))
	for _, row := range rows {
		form, err := formFromRow(row)
		if err != nil {
			return nil, err
		}
		forms = append(forms, form)
	}
	return forms, nil
}

// Template returns one inquiry template.
func (c *Catalog) Template(ctx context.Context, id int64) (models.Template, error) {
	rows, err := collectRows(ctx, c.driver, templateQuery, map[string]any{"id": id})
	if err != nil {
		return models.Template{}, errors.Wrapf(err, "load template %d", id)
	}
	if len(rows) == 0 {
		return models.Template{}, errors.Wrapf(ErrNotFound, "template %d", id)
	}
	row := rows[0]
	tpl := models.Template{
		ID:            asInt(row["id"]),
		Name:          asString(row["name"]),
		SenderName:    asString(row["sender_name"]),
		SenderEmail:   asString(row["sender_email"]),
		SenderPhone:   asString(row["sender_phone"]),
		SenderCompany: asString(row["sender_company"]),
		Subject:       asString(row["subject"]),
		Body:          asString(row["body"]),
	}
	if raw := asString(row["fields"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tpl.Fields); err != nil {
			return models.Template{}, errors.Wrapf(err, "decode fields of template %d", id)
		}
	}
	return tpl, nil
}

func companyFromRow(row map[string]any) models.Company {
	return models.Company{
		ID:   asInt(row["id"]),
		Name: asString(row["name"]),
		URL:  asString(row["url"]),
	}
}

func formFromRow(row map[string]any) (models.FormDescriptor, error) {
	form := models.FormDescriptor{
		ID:             asInt(row["id"]),
		CompanyID:      asInt(row["company_id"]),
		URL:            asString(row["url"]),
		SubmitSelector: asString(row["submit_selector"]),
	}
	if b, ok := row["has_captcha"].(bool); ok {
		form.HasCaptcha = b
	}
	if raw := asString(row["fields"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &form.Fields); err != nil {
			return models.FormDescriptor{}, errors.Wrapf(err, "decode fields of form %d", form.ID)
		}
	}
	if ts := asString(row["detected_at"]); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			form.DetectedAt = t
		}
	}
	return form, nil
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
