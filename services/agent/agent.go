package agent

import (
	"context"

	"applyflow-engine/pkg/errutil"
	"applyflow-engine/services/audit"
	"applyflow-engine/services/collaborator"
	"applyflow-engine/services/domainpolicy"

	"go.uber.org/fx"
)

// Recorder is the audit surface an agent writes through. Satisfied by
// *audit.Writer.
type Recorder interface {
	Append(ctx context.Context, taskID, step string, payload map[string]any, artifacts []string) error
}

// Execution is the read-only input for a single attempt. The agent owns no
// retry logic; it returns exactly one outcome per invocation.
type Execution struct {
	TaskID    string
	ApplyURL  string
	Domain    *domainpolicy.Domain
	Profile   *collaborator.ProfileSnapshot
	Audit     Recorder
	Artifacts audit.ArtifactStore
}

// Outcome reports a successful submission. Every failure mode is expressed as
// a classified error instead.
type Outcome struct {
	Submitted    bool   `json:"submitted"`
	Confirmation string `json:"confirmation,omitempty"`
}

// Agent drives one external application flow. Implementations must classify
// every error into a recoverable, non-recoverable or review-required kind and
// must never attempt to solve a CAPTCHA.
type Agent interface {
	Execute(ctx context.Context, exec *Execution) (*Outcome, error)
}

// Registry selects the agent for a domain's automation type.
type Registry struct {
	agents map[domainpolicy.AutomationType]Agent
}

type RegistryParams struct {
	fx.In
	Workday    *FormAgent `name:"workday"`
	Greenhouse *FormAgent `name:"greenhouse"`
}

func NewRegistry(p RegistryParams) *Registry {
	return &Registry{
		agents: map[domainpolicy.AutomationType]Agent{
			domainpolicy.Workday:    p.Workday,
			domainpolicy.Greenhouse: p.Greenhouse,
			domainpolicy.Generic:    p.Greenhouse,
		},
	}
}

// NewTestRegistry builds a registry from an explicit agent map.
func NewTestRegistry(agents map[domainpolicy.AutomationType]Agent) *Registry {
	return &Registry{agents: agents}
}

// Resolve returns the agent for an automation type. An unknown type cannot be
// executed honestly and fails the task immediately.
func (r *Registry) Resolve(t domainpolicy.AutomationType) (Agent, error) {
	a, ok := r.agents[t]
	if !ok {
		return nil, errutil.NonRecoverable("no agent registered for automation type " + string(t))
	}
	return a, nil
}
