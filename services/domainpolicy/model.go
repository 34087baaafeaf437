package domainpolicy

import (
	"encoding/json"
	"time"

	"applyflow-engine/pkg/ratelimit"

	"gorm.io/datatypes"
)

// AutomationType selects which agent implementation handles a host.
type AutomationType string

var (
	Workday    AutomationType = "workday"
	Greenhouse AutomationType = "greenhouse"
	Generic    AutomationType = "generic"
)

func (t AutomationType) String() string {
	switch t {
	case Workday, Greenhouse, Generic:
		return string(t)
	default:
		return ""
	}
}

// CaptchaType is the expected CAPTCHA behaviour for a host.
type CaptchaType string

var (
	CaptchaNone         CaptchaType = "none"
	CaptchaIntermittent CaptchaType = "intermittent"
	CaptchaAlways       CaptchaType = "always"
)

func (t CaptchaType) String() string {
	switch t {
	case CaptchaNone, CaptchaIntermittent, CaptchaAlways:
		return string(t)
	default:
		return ""
	}
}

// HealthStatus is the most recently observed health signal for a host.
type HealthStatus string

var (
	Healthy  HealthStatus = "healthy"
	Degraded HealthStatus = "degraded"
	Blocked  HealthStatus = "blocked"
)

func (t HealthStatus) String() string {
	switch t {
	case Healthy, Degraded, Blocked:
		return string(t)
	default:
		return ""
	}
}

type Domain struct {
	ID              string         `gorm:"column:id;primaryKey"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
	Host            string         `gorm:"column:host;uniqueIndex;not null"`
	AutomationType  AutomationType `gorm:"column:automation_type;type:varchar(50)"`
	RateLimitPolicy datatypes.JSON `gorm:"column:rate_limit_policy"`
	CaptchaType     CaptchaType    `gorm:"column:captcha_type;type:varchar(20);default:'none'"`
	LastStatus      HealthStatus   `gorm:"column:last_status;type:varchar(20);default:'healthy'"`
	LastCheckedAt   *time.Time     `gorm:"column:last_checked_at"`
}

func (Domain) TableName() string {
	return "domains"
}

// policySpec is the wire shape of rate_limit_policy.
type policySpec struct {
	MaxConcurrent int   `json:"max_concurrent"`
	MinIntervalMS int64 `json:"min_interval_ms"`
}

// Policy decodes rate_limit_policy into limiter parameters. A missing or
// malformed policy degrades to the most conservative ceiling.
func (m *Domain) Policy() ratelimit.Policy {
	fallback := ratelimit.Policy{MaxConcurrent: 1}
	if len(m.RateLimitPolicy) == 0 {
		return fallback
	}

	var spec policySpec
	if err := json.Unmarshal(m.RateLimitPolicy, &spec); err != nil {
		return fallback
	}

	pol := ratelimit.Policy{
		MaxConcurrent: spec.MaxConcurrent,
		MinInterval:   time.Duration(spec.MinIntervalMS) * time.Millisecond,
	}
	if pol.MaxConcurrent <= 0 {
		pol.MaxConcurrent = 1
	}
	return pol
}

// EncodePolicy builds a rate_limit_policy value, used by configuration tooling
// and tests.
func EncodePolicy(pol ratelimit.Policy) datatypes.JSON {
	raw, _ := json.Marshal(policySpec{
		MaxConcurrent: pol.MaxConcurrent,
		MinIntervalMS: pol.MinInterval.Milliseconds(),
	})
	return datatypes.JSON(raw)
}
