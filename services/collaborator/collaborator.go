package collaborator

import (
	"context"
)

// ProfileSnapshot is a read-only copy of the candidate fields relevant to an
// application, supplied by the external profile service.
type ProfileSnapshot struct {
	CandidateID string             `json:"candidate_id"`
	Name        string             `json:"name"`
	Email       string             `json:"email"`
	Phone       string             `json:"phone"`
	WorkHistory []ExperienceEntry  `json:"work_history"`
	Education   []EducationEntry   `json:"education"`
	ResumeRef   string             `json:"resume_reference"`
	Extra       map[string]string  `json:"extra,omitempty"`
}

type ExperienceEntry struct {
	Company  string `json:"company"`
	Title    string `json:"title"`
	FromYear int    `json:"from_year"`
	ToYear   int    `json:"to_year"`
}

type EducationEntry struct {
	School  string `json:"school"`
	Degree  string `json:"degree"`
	EndYear int    `json:"end_year"`
}

// Job is the subset of a job posting the engine needs: where to apply and
// which domain policy governs it.
type Job struct {
	JobID      string `json:"job_id"`
	ApplyURL   string `json:"external_apply_url"`
	TargetHost string `json:"target_host"`
}

// ProfileService is the inbound collaborator boundary for candidate data.
type ProfileService interface {
	GetSnapshot(ctx context.Context, candidateID string) (*ProfileSnapshot, error)
}

// JobService resolves a job id to its external application target.
type JobService interface {
	GetJob(ctx context.Context, jobID string) (*Job, error)
}
