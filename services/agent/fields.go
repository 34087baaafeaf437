package agent

import (
	"fmt"
	"strings"

	"applyflow-engine/services/collaborator"
)

// FieldSpec maps one external form field onto a profile source. Required
// fields without a profile value fail the task honestly instead of submitting
// placeholder data.
type FieldSpec struct {
	External string
	Source   string
	Required bool
}

type FieldTable []FieldSpec

// Profile source keys understood by resolveProfileField.
const (
	SourceName          = "name"
	SourceEmail         = "email"
	SourcePhone         = "phone"
	SourceResume        = "resume_reference"
	SourceLatestCompany = "latest_company"
	SourceLatestTitle   = "latest_title"
	SourceEducation     = "education"
)

// WorkdayFields is the correspondence table for Workday-family forms.
var WorkdayFields = FieldTable{
	{External: "candidate_name", Source: SourceName, Required: true},
	{External: "candidate_email", Source: SourceEmail, Required: true},
	{External: "candidate_phone", Source: SourcePhone, Required: true},
	{External: "resume_url", Source: SourceResume, Required: true},
	{External: "current_company", Source: SourceLatestCompany, Required: false},
	{External: "current_title", Source: SourceLatestTitle, Required: false},
	{External: "education_summary", Source: SourceEducation, Required: false},
}

// GreenhouseFields is the correspondence table for Greenhouse-family forms.
var GreenhouseFields = FieldTable{
	{External: "first_and_last_name", Source: SourceName, Required: true},
	{External: "email", Source: SourceEmail, Required: true},
	{External: "phone", Source: SourcePhone, Required: false},
	{External: "resume", Source: SourceResume, Required: true},
	{External: "most_recent_employer", Source: SourceLatestCompany, Required: false},
}

func resolveProfileField(p *collaborator.ProfileSnapshot, source string) (string, bool) {
	switch source {
	case SourceName:
		return p.Name, p.Name != ""
	case SourceEmail:
		return p.Email, p.Email != ""
	case SourcePhone:
		return p.Phone, p.Phone != ""
	case SourceResume:
		return p.ResumeRef, p.ResumeRef != ""
	case SourceLatestCompany:
		if len(p.WorkHistory) == 0 {
			return "", false
		}
		return p.WorkHistory[0].Company, p.WorkHistory[0].Company != ""
	case SourceLatestTitle:
		if len(p.WorkHistory) == 0 {
			return "", false
		}
		return p.WorkHistory[0].Title, p.WorkHistory[0].Title != ""
	case SourceEducation:
		if len(p.Education) == 0 {
			return "", false
		}
		parts := make([]string, 0, len(p.Education))
		for _, e := range p.Education {
			parts = append(parts, fmt.Sprintf("%s, %s (%d)", e.Degree, e.School, e.EndYear))
		}
		return strings.Join(parts, "; "), true
	default:
		if v, ok := p.Extra[source]; ok && v != "" {
			return v, true
		}
		return "", false
	}
}
