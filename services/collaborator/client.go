package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"applyflow-engine/pkg/config"
	"applyflow-engine/pkg/errutil"

	"go.uber.org/fx"
)

// httpProfileClient talks to the external profile service. Failures are
// classified recoverable: the snapshot may succeed on a later attempt.
type httpProfileClient struct {
	baseURL string
	client  *http.Client
}

type httpJobClient struct {
	baseURL string
	client  *http.Client
}

type ClientParams struct {
	fx.In
	Config *config.Config
}

func NewProfileClient(p ClientParams) ProfileService {
	return &httpProfileClient{
		baseURL: p.Config.Collaborators.ProfileURL,
		client:  &http.Client{Timeout: p.Config.Collaborators.Timeout},
	}
}

func NewJobClient(p ClientParams) JobService {
	return &httpJobClient{
		baseURL: p.Config.Collaborators.JobURL,
		client:  &http.Client{Timeout: p.Config.Collaborators.Timeout},
	}
}

func (c *httpProfileClient) GetSnapshot(ctx context.Context, candidateID string) (*ProfileSnapshot, error) {
	var snapshot ProfileSnapshot
	endpoint := fmt.Sprintf("%s/v1/candidates/%s/snapshot", c.baseURL, url.PathEscape(candidateID))
	if err := getJSON(ctx, c.client, endpoint, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *httpJobClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	endpoint := fmt.Sprintf("%s/v1/jobs/%s", c.baseURL, url.PathEscape(jobID))
	if err := getJSON(ctx, c.client, endpoint, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errutil.Internal("failed to build collaborator request", errutil.WithErr(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errutil.Recoverable("collaborator unreachable", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errutil.NonRecoverable("collaborator resource not found")
	case resp.StatusCode >= 500:
		return errutil.Recoverable(fmt.Sprintf("collaborator returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return errutil.NonRecoverable(fmt.Sprintf("collaborator rejected request with status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errutil.Recoverable("failed to read collaborator response", errutil.WithErr(err))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errutil.NonRecoverable("invalid collaborator response", errutil.WithErr(err))
	}
	return nil
}
