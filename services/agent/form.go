package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"applyflow-engine/pkg/errutil"
	"applyflow-engine/services/audit"
	"applyflow-engine/services/domainpolicy"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// FormAgent drives an HTTP application-form flow: fetch the form, check for a
// challenge, map profile fields onto it, submit. One instance per supported
// target-system family, differing in name and field table.
type FormAgent struct {
	name   string
	fields FieldTable
	client *http.Client
}

func NewFormAgent(name string, fields FieldTable, client *http.Client) *FormAgent {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FormAgent{
		name:   name,
		fields: fields,
		client: client,
	}
}

var Module = fx.Module("agent.module",
	fx.Provide(
		fx.Annotate(
			func() *FormAgent { return NewFormAgent("workday", WorkdayFields, nil) },
			fx.ResultTags(`name:"workday"`),
		),
		fx.Annotate(
			func() *FormAgent { return NewFormAgent("greenhouse", GreenhouseFields, nil) },
			fx.ResultTags(`name:"greenhouse"`),
		),
		NewRegistry,
	),
)

func (a *FormAgent) Execute(ctx context.Context, exec *Execution) (*Outcome, error) {
	zapLog := zap.L().With(
		zap.String("agent", a.name),
		zap.String("task_id", exec.TaskID),
		zap.String("host", exec.Domain.Host),
	)

	// Contract: at least one audit step lands before any network interaction.
	if err := exec.Audit.Append(ctx, exec.TaskID, audit.StepExecutionStarted, map[string]any{
		"agent":     a.name,
		"host":      exec.Domain.Host,
		"apply_url": exec.ApplyURL,
	}, nil); err != nil {
		return nil, err
	}

	page, err := a.fetchForm(ctx, exec)
	if err != nil {
		return nil, err
	}

	if detectCaptcha(page) || exec.Domain.CaptchaType == domainpolicy.CaptchaAlways {
		return nil, a.escalateCaptcha(ctx, exec, page, zapLog)
	}

	form, err := a.mapFields(ctx, exec)
	if err != nil {
		return nil, err
	}

	outcome, err := a.submit(ctx, exec, form)
	if err != nil {
		return nil, err
	}

	zapLog.Info("application submitted", zap.String("confirmation", outcome.Confirmation))
	return outcome, nil
}

func (a *FormAgent) fetchForm(ctx context.Context, exec *Execution) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exec.ApplyURL, nil)
	if err != nil {
		return "", errutil.NonRecoverable("invalid application URL", errutil.WithErr(err))
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", errutil.Recoverable("failed to reach application form", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errutil.Recoverable("failed to read application form", errutil.WithErr(err))
	}

	if err := exec.Audit.Append(ctx, exec.TaskID, audit.StepNavigated, map[string]any{
		"url":    exec.ApplyURL,
		"status": resp.StatusCode,
	}, nil); err != nil {
		return "", err
	}

	return string(body), nil
}

func (a *FormAgent) escalateCaptcha(ctx context.Context, exec *Execution, page string, zapLog *zap.Logger) error {
	var artifacts []string
	uri, err := exec.Artifacts.Store(ctx, exec.TaskID, "captcha_page.html", "text/html", []byte(page))
	if err != nil {
		// Escalation proceeds without the page snapshot.
		zapLog.Warn("failed to capture captcha snapshot", zap.Error(err))
	} else {
		artifacts = append(artifacts, uri)
	}

	if err := exec.Audit.Append(ctx, exec.TaskID, audit.StepCaptchaDetected, map[string]any{
		"captcha_type": exec.Domain.CaptchaType.String(),
	}, artifacts); err != nil {
		return err
	}

	zapLog.Info("captcha detected, escalating for review")
	return errutil.ReviewRequired("captcha challenge requires human review")
}

func (a *FormAgent) mapFields(ctx context.Context, exec *Execution) (url.Values, error) {
	form := url.Values{}
	for _, spec := range a.fields {
		value, ok := resolveProfileField(exec.Profile, spec.Source)
		if !ok {
			if spec.Required {
				return nil, errutil.NonRecoverable(
					fmt.Sprintf("required field %q has no profile value", spec.External))
			}
			continue
		}
		form.Set(spec.External, value)

		if err := exec.Audit.Append(ctx, exec.TaskID, audit.StepFieldFilled, map[string]any{
			"field":  spec.External,
			"source": spec.Source,
		}, nil); err != nil {
			return nil, err
		}
	}
	return form, nil
}

func (a *FormAgent) submit(ctx context.Context, exec *Execution, form url.Values) (*Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, exec.ApplyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errutil.NonRecoverable("invalid application URL", errutil.WithErr(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errutil.Recoverable("failed to submit application form", errutil.WithErr(err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Submitted:    true,
		Confirmation: resp.Header.Get("X-Confirmation-Id"),
	}

	if err := exec.Audit.Append(ctx, exec.TaskID, audit.StepSubmitted, map[string]any{
		"status":       resp.StatusCode,
		"confirmation": outcome.Confirmation,
	}, nil); err != nil {
		return nil, err
	}

	return outcome, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return errutil.NonRecoverable("job posting no longer exists")
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errutil.NonRecoverable("target site rejected credentials")
	case code == http.StatusTooManyRequests:
		return errutil.Recoverable("target site rate limited the request")
	case code >= 500:
		return errutil.Recoverable(fmt.Sprintf("target site returned status %d", code))
	default:
		return errutil.NonRecoverable(fmt.Sprintf("target site returned status %d", code))
	}
}
