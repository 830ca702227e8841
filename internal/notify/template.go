package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Page {{.TierLabel}}]
Alert: {{.AlertID}}
Scope: {{.HospitalScopeID}}
Urgency: {{.Urgency}}
{{- if .Room}}
Room: {{.Room}}
{{- end}}
{{- if .PatientID}}
Patient: {{.PatientID}}
{{- end}}
{{- if .Message}}
Message: {{.Message}}
{{- end}}
Raised: {{.CreatedAt}}
Status: {{.Status}}`

// TemplateData provides fields for rendering page content.
type TemplateData struct {
	AlertID         string
	HospitalScopeID string
	Urgency         string
	Tier            int
	TierLabel       string
	Room            string
	PatientID       string
	Message         string
	CreatedAt       string
	Status          string
}

// Template renders page content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a page template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("page").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("page template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
