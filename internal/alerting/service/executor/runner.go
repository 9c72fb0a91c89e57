package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// HTTPRunner hands actions to an external action runner service over
// HTTP. The runner owns credentials and the actual execution; vigil only
// decides what to run and when.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRunner(baseURL string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type runnerRequest struct {
	Action string            `json:"action"`
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
}

type runnerResponse struct {
	Output    string `json:"output"`
	Satisfied bool   `json:"satisfied"`
	Error     string `json:"error"`
}

func (r *HTTPRunner) Run(ctx context.Context, action ruleset.ActionTemplate) (string, error) {
	resp, err := r.post(ctx, "/v1/actions", action)
	if err != nil {
		return "", err
	}
	return resp.Output, nil
}

func (r *HTTPRunner) Check(ctx context.Context, action ruleset.ActionTemplate) (bool, error) {
	resp, err := r.post(ctx, "/v1/checks", action)
	if err != nil {
		return false, err
	}
	return resp.Satisfied, nil
}

func (r *HTTPRunner) post(ctx context.Context, path string, action ruleset.ActionTemplate) (*runnerResponse, error) {
	body, err := json.Marshal(runnerRequest{Action: action.Action, Target: action.Target, Params: action.Params})
	if err != nil {
		return nil, fmt.Errorf("marshal runner request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build runner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call action runner: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read runner response: %w", err)
	}
	var resp runnerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode runner response (status %d): %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		msg := resp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return nil, fmt.Errorf("action runner returned %d: %s", httpResp.StatusCode, msg)
	}
	return &resp, nil
}

// DryRunner renders what would be executed without touching anything.
// Preconditions always report satisfied so dry runs show the full plan.
type DryRunner struct{}

func (DryRunner) Run(_ context.Context, action ruleset.ActionTemplate) (string, error) {
	return fmt.Sprintf("dry-run: %s on %s", action.Action, action.Target), nil
}

func (DryRunner) Check(_ context.Context, _ ruleset.ActionTemplate) (bool, error) {
	return true, nil
}
